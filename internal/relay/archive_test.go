package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryQueue is an in-memory EventQueue for tests.
type memoryQueue struct {
	mu     sync.Mutex
	queues map[string][][]byte

	appendErr error
	drainErr  error
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{queues: make(map[string][][]byte)}
}

func (q *memoryQueue) Append(ctx context.Context, key GroupKey, batch [][]byte) error {
	if q.appendErr != nil {
		return q.appendErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[key.String()] = append(q.queues[key.String()], batch...)
	return nil
}

func (q *memoryQueue) DrainBatch(ctx context.Context, key GroupKey, max int64) ([][]byte, error) {
	if q.drainErr != nil {
		return nil, q.drainErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[key.String()]
	n := int(max)
	if n > len(items) {
		n = len(items)
	}
	batch := items[:n]
	q.queues[key.String()] = items[n:]
	return batch, nil
}

func (q *memoryQueue) RequeueFront(ctx context.Context, key GroupKey, batch [][]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[key.String()] = append(append([][]byte{}, batch...), q.queues[key.String()]...)
	return nil
}

func (q *memoryQueue) len(key GroupKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key.String()])
}

// captureUploader records the last upload.
type captureUploader struct {
	mu   sync.Mutex
	path string
	body []byte
	err  error
}

func (u *captureUploader) Upload(ctx context.Context, path string, body []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.path = path
	u.body = body
	return "https://archives.example.com/" + path, nil
}

func TestArchiver(t *testing.T) {
	key := GroupKey{ChannelType: "web", OrgToken: "org-1", EndUserID: "user-1", SessionID: "sess-1"}

	seed := func(q *memoryQueue, n int) {
		for i := 0; i < n; i++ {
			_ = q.Append(context.Background(), key, [][]byte{[]byte(fmt.Sprintf(`{"n":%d}`, i))})
		}
	}

	t.Run("archives all events in order and empties the queue", func(t *testing.T) {
		q := newMemoryQueue()
		seed(q, 7)
		uploader := &captureUploader{}
		a := NewArchiver(q, uploader, 3, true)

		url, err := a.Archive(context.Background(), key)
		require.NoError(t, err)
		assert.Contains(t, url, "sessions/org-1/user-1/sess-1/")
		assert.Equal(t, 0, q.len(key))

		var doc Document
		require.NoError(t, json.Unmarshal(uploader.body, &doc))
		assert.Equal(t, "web", doc.ChannelType)
		assert.Equal(t, "org-1", doc.OrgToken)
		assert.Equal(t, "user-1", doc.EndUserID)
		assert.Equal(t, "sess-1", doc.SessionID)
		require.Len(t, doc.Events, 7)
		for i, e := range doc.Events {
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(e))
		}
	})

	t.Run("empty queue returns ErrNoArchive", func(t *testing.T) {
		a := NewArchiver(newMemoryQueue(), &captureUploader{}, 3, true)

		_, err := a.Archive(context.Background(), key)
		assert.ErrorIs(t, err, ErrNoArchive)
	})

	t.Run("upload failure requeues drained events in order", func(t *testing.T) {
		q := newMemoryQueue()
		seed(q, 5)
		a := NewArchiver(q, &captureUploader{err: errors.New("s3 down")}, 2, true)

		_, err := a.Archive(context.Background(), key)
		require.Error(t, err)

		assert.Equal(t, 5, q.len(key))
		batch, err := q.DrainBatch(context.Background(), key, 5)
		require.NoError(t, err)
		for i, e := range batch {
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(e))
		}
	})

	t.Run("upload failure drops events when requeue is disabled", func(t *testing.T) {
		q := newMemoryQueue()
		seed(q, 5)
		a := NewArchiver(q, &captureUploader{err: errors.New("s3 down")}, 2, false)

		_, err := a.Archive(context.Background(), key)
		require.Error(t, err)
		assert.Equal(t, 0, q.len(key))
	})

	t.Run("drain failure surfaces", func(t *testing.T) {
		q := newMemoryQueue()
		q.drainErr = errors.New("redis down")
		a := NewArchiver(q, &captureUploader{}, 2, true)

		_, err := a.Archive(context.Background(), key)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoArchive)
	})
}
