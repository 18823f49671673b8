package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueKey(t *testing.T) {
	key := EventQueueKey("web", "org-1", "user-1", "sess-1")
	assert.Equal(t, "events:web:org-1:user-1:sess-1", key)
}

func TestEventQueuePattern(t *testing.T) {
	assert.Equal(t, "events:*", EventQueuePattern())
}

func TestParseEventQueueKey(t *testing.T) {
	t.Run("round trips a built key", func(t *testing.T) {
		key := EventQueueKey("web", "org-1", "user-1", "sess-1")

		channelType, orgToken, endUserID, sessionID, ok := ParseEventQueueKey(key)
		require.True(t, ok)
		assert.Equal(t, "web", channelType)
		assert.Equal(t, "org-1", orgToken)
		assert.Equal(t, "user-1", endUserID)
		assert.Equal(t, "sess-1", sessionID)
	})

	t.Run("round trips identifiers containing the separator", func(t *testing.T) {
		key := EventQueueKey("web", "org:1", "user:a:b", "sess-1")

		channelType, orgToken, endUserID, sessionID, ok := ParseEventQueueKey(key)
		require.True(t, ok)
		assert.Equal(t, "web", channelType)
		assert.Equal(t, "org:1", orgToken)
		assert.Equal(t, "user:a:b", endUserID)
		assert.Equal(t, "sess-1", sessionID)
	})

	t.Run("rejects foreign keys", func(t *testing.T) {
		_, _, _, _, ok := ParseEventQueueKey("connlimit:org-1")
		assert.False(t, ok)
	})

	t.Run("rejects wrong arity", func(t *testing.T) {
		_, _, _, _, ok := ParseEventQueueKey("events:web:org-1:user-1")
		assert.False(t, ok)
	})
}
