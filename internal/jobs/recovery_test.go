package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/session-relay-go/internal/model"
	"github.com/openclaw/session-relay-go/internal/relay"
)

type mockScanner struct {
	keys []relay.GroupKey
	err  error
}

func (m *mockScanner) Stale(ctx context.Context, minIdle time.Duration) ([]relay.GroupKey, error) {
	return m.keys, m.err
}

type mockArchiver struct {
	mu       sync.Mutex
	archived []relay.GroupKey
	url      string
	err      error
}

func (m *mockArchiver) Archive(ctx context.Context, key relay.GroupKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, key)
	return m.url, m.err
}

type mockFinalizer struct {
	mu        sync.Mutex
	session   *model.Session
	findErr   error
	finalized map[string]string
}

func (m *mockFinalizer) FindByIdentity(ctx context.Context, orgToken, endUserID, sessionID string) (*model.Session, error) {
	return m.session, m.findErr
}

func (m *mockFinalizer) Finalize(ctx context.Context, id string, storageURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized == nil {
		m.finalized = make(map[string]string)
	}
	m.finalized[id] = storageURL
	return nil
}

type mockMembership struct {
	counts map[relay.GroupKey]int
}

func (m *mockMembership) MemberCount(key relay.GroupKey) int {
	return m.counts[key]
}

func TestRecoveryJob(t *testing.T) {
	key := relay.GroupKey{ChannelType: "web", OrgToken: "org-1", EndUserID: "user-1", SessionID: "sess-1"}

	t.Run("archives and finalizes orphaned queue", func(t *testing.T) {
		archiver := &mockArchiver{url: "https://bucket.example.com/sessions/org-1/user-1/sess-1/1.json"}
		finalizer := &mockFinalizer{session: &model.Session{ID: "db-id-1"}}
		job := NewRecoveryJob(
			&mockScanner{keys: []relay.GroupKey{key}},
			archiver,
			finalizer,
			&mockMembership{},
			15*time.Minute,
			time.Hour,
		)

		job.sweep()

		assert.Equal(t, []relay.GroupKey{key}, archiver.archived)
		assert.Equal(t, archiver.url, finalizer.finalized["db-id-1"])
	})

	t.Run("skips queue with live members", func(t *testing.T) {
		archiver := &mockArchiver{url: "https://example.com/a.json"}
		job := NewRecoveryJob(
			&mockScanner{keys: []relay.GroupKey{key}},
			archiver,
			&mockFinalizer{},
			&mockMembership{counts: map[relay.GroupKey]int{key: 1}},
			15*time.Minute,
			time.Hour,
		)

		job.sweep()

		assert.Empty(t, archiver.archived)
	})

	t.Run("empty queue is not finalized", func(t *testing.T) {
		finalizer := &mockFinalizer{session: &model.Session{ID: "db-id-1"}}
		job := NewRecoveryJob(
			&mockScanner{keys: []relay.GroupKey{key}},
			&mockArchiver{err: relay.ErrNoArchive},
			finalizer,
			&mockMembership{},
			15*time.Minute,
			time.Hour,
		)

		job.sweep()

		assert.Empty(t, finalizer.finalized)
	})

	t.Run("missing session record leaves archive unfinalized", func(t *testing.T) {
		finalizer := &mockFinalizer{session: nil}
		job := NewRecoveryJob(
			&mockScanner{keys: []relay.GroupKey{key}},
			&mockArchiver{url: "https://example.com/a.json"},
			finalizer,
			&mockMembership{},
			15*time.Minute,
			time.Hour,
		)

		job.sweep()

		assert.Empty(t, finalizer.finalized)
	})

	t.Run("scan failure aborts the sweep", func(t *testing.T) {
		archiver := &mockArchiver{}
		job := NewRecoveryJob(
			&mockScanner{err: errors.New("redis down")},
			archiver,
			&mockFinalizer{},
			&mockMembership{},
			15*time.Minute,
			time.Hour,
		)

		job.sweep()

		assert.Empty(t, archiver.archived)
	})

	t.Run("starts and stops without panic", func(t *testing.T) {
		job := NewRecoveryJob(
			&mockScanner{},
			&mockArchiver{},
			&mockFinalizer{},
			&mockMembership{},
			15*time.Minute,
			50*time.Millisecond,
		)

		job.Start()
		time.Sleep(120 * time.Millisecond)
		job.Stop()
	})
}
