package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-relay-go/internal/audit"
	"github.com/openclaw/session-relay-go/internal/config"
	"github.com/openclaw/session-relay-go/internal/model"
)

// State is the connection actor lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionStore is the lifecycle collaborator as seen by connection actors.
type SessionStore interface {
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	SaveInitialEvents(ctx context.Context, id string, events []json.RawMessage) error
	Finalize(ctx context.Context, id string, storageURL string) error
}

// SessionArchiver runs the archival pipeline for one group at teardown.
type SessionArchiver interface {
	Archive(ctx context.Context, key GroupKey) (string, error)
}

// Timeouts bounds each externally-facing teardown step and sets the periodic
// flush cadence. A step that exceeds its bound is skipped and logged; the
// teardown as a whole always completes.
type Timeouts struct {
	SessionCreate time.Duration
	Archive       time.Duration
	SessionSave   time.Duration
	FlushInterval time.Duration
}

// Conn is one live connection's participation in the relay. The transport
// handler drives it: Connect on upgrade, Receive per inbound frame,
// Disconnect when the socket closes.
type Conn interface {
	Connect(ctx context.Context) error
	Receive(ctx context.Context, payload json.RawMessage)
	Disconnect(ctx context.Context)
	Handle() *Handle
}

// EndUserSession is the browser-side connection actor. It owns the session
// record, buffers received events locally, drains them into the durable
// buffer, and triggers archival on teardown. Exactly one end-user connection
// per group carries these responsibilities.
type EndUserSession struct {
	key      GroupKey
	handle   *Handle
	registry *Registry
	queue    EventQueue
	store    SessionStore
	archiver SessionArchiver
	timeouts Timeouts

	mu          sync.Mutex
	state       State
	local       []json.RawMessage
	preview     []json.RawMessage
	session     *model.Session
	createTask  *Task
	previewTask *Task

	// flushMu serializes flushes so batches reach the durable buffer in
	// receive order even when the ticker and the threshold path race.
	flushMu sync.Mutex

	// saveMu serializes preview saves; lastSaved rejects stale snapshots.
	saveMu    sync.Mutex
	lastSaved int

	flushStarted bool
	flushStop    chan struct{}
	flushDone    chan struct{}
}

func NewEndUserSession(
	key GroupKey,
	handle *Handle,
	registry *Registry,
	queue EventQueue,
	store SessionStore,
	archiver SessionArchiver,
	timeouts Timeouts,
) *EndUserSession {
	return &EndUserSession{
		key:       key,
		handle:    handle,
		registry:  registry,
		queue:     queue,
		store:     store,
		archiver:  archiver,
		timeouts:  timeouts,
		state:     StateConnecting,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
}

func (s *EndUserSession) Handle() *Handle {
	return s.handle
}

// State reports the actor's current lifecycle state.
func (s *EndUserSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect joins the fan-out group and schedules session record creation
// without blocking on it. Fails closed: an error here means the caller must
// terminate the connection.
func (s *EndUserSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect on %s connection", state)
	}
	s.mu.Unlock()

	s.registry.Join(s.key, s.handle)

	key := s.key
	createTask := Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeouts.SessionCreate)
		defer cancel()

		sess, err := s.store.Create(ctx, model.CreateSessionParams{
			OrgToken:  key.OrgToken,
			EndUserID: key.EndUserID,
			SessionID: key.SessionID,
		})
		if err != nil {
			return fmt.Errorf("create session record: %w", err)
		}

		s.mu.Lock()
		s.session = sess
		s.mu.Unlock()
		return nil
	})

	s.mu.Lock()
	s.createTask = createTask
	s.state = StateActive
	s.mu.Unlock()

	log.Info().
		Str("groupKey", s.key.String()).
		Str("connId", s.handle.ID).
		Msg("end-user connection active")
	return nil
}

// Receive appends the event to the local buffer, captures it for the
// session preview when under the cap, flushes when the buffer reaches the
// threshold, and republishes the wrapped message to the rest of the group.
func (s *EndUserSession) Receive(ctx context.Context, payload json.RawMessage) {
	msg, err := ExtractMessage(payload)
	if err != nil {
		log.Warn().Err(err).
			Str("groupKey", s.key.String()).
			Str("connId", s.handle.ID).
			Msg("discarding malformed inbound frame")
		return
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.local = append(s.local, payload)
	shouldFlush := len(s.local) >= config.FlushThreshold
	if len(s.preview) < config.PreviewLimit {
		s.preview = append(s.preview, payload)
		s.schedulePreviewSaveLocked()
	}
	s.mu.Unlock()

	if shouldFlush {
		if err := s.flush(ctx); err != nil {
			log.Error().Err(err).
				Str("groupKey", s.key.String()).
				Msg("threshold flush failed, events retained locally")
		}
	}

	s.ensureFlushLoop()

	s.registry.Publish(s.key, WrapMessage(msg), s.handle.ID)
}

// schedulePreviewSaveLocked persists the current preview snapshot in the
// background. Saves are serialized and a snapshot older than one already
// written is skipped, so the record converges on the latest preview without
// blocking the receive path. Caller holds s.mu.
func (s *EndUserSession) schedulePreviewSaveLocked() {
	snapshot := make([]json.RawMessage, len(s.preview))
	copy(snapshot, s.preview)
	n := len(snapshot)
	createTask := s.createTask

	s.previewTask = Go(func() error {
		waitCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.SessionCreate)
		defer cancel()
		if err := createTask.Wait(waitCtx); err != nil {
			return fmt.Errorf("session record unavailable for preview save: %w", err)
		}

		s.mu.Lock()
		sess := s.session
		s.mu.Unlock()
		if sess == nil {
			return errors.New("session record unavailable for preview save")
		}

		s.saveMu.Lock()
		defer s.saveMu.Unlock()
		if n <= s.lastSaved {
			return nil
		}

		saveCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.SessionSave)
		defer cancel()
		if err := s.store.SaveInitialEvents(saveCtx, sess.ID, snapshot); err != nil {
			return fmt.Errorf("save initial events: %w", err)
		}
		s.lastSaved = n
		return nil
	})
}

// ensureFlushLoop starts the periodic flush goroutine on first use.
func (s *EndUserSession) ensureFlushLoop() {
	s.mu.Lock()
	if s.flushStarted || s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.flushStarted = true
	s.mu.Unlock()

	go s.flushLoop()
}

func (s *EndUserSession) flushLoop() {
	defer close(s.flushDone)

	ticker := time.NewTicker(s.timeouts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.flush(context.Background()); err != nil {
				log.Error().Err(err).
					Str("groupKey", s.key.String()).
					Msg("periodic flush failed, events retained locally")
			}
		case <-s.flushStop:
			// Final flush: cancellation must not drop the in-flight buffer.
			if err := s.flush(context.Background()); err != nil {
				log.Error().Err(err).
					Str("groupKey", s.key.String()).
					Msg("final periodic flush failed")
			}
			return
		}
	}
}

// flush moves the local buffer into the durable buffer. On append failure
// the batch is put back at the front of the local buffer, still ordered
// ahead of anything received meanwhile.
func (s *EndUserSession) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.local) == 0 {
		s.mu.Unlock()
		return nil
	}
	taken := s.local
	s.local = nil
	s.mu.Unlock()

	batch := make([][]byte, len(taken))
	for i, e := range taken {
		batch[i] = []byte(e)
	}

	if err := s.queue.Append(ctx, s.key, batch); err != nil {
		s.mu.Lock()
		s.local = append(taken, s.local...)
		s.mu.Unlock()
		return err
	}

	log.Debug().
		Str("groupKey", s.key.String()).
		Int("eventCount", len(batch)).
		Msg("flushed events to durable buffer")
	return nil
}

// Disconnect drains and closes the actor. Every awaited sub-step is
// individually time-bounded so teardown completes, possibly degraded, even
// against hanging collaborators. Safe to call more than once.
func (s *EndUserSession) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	createTask := s.createTask
	previewTask := s.previewTask
	flushStarted := s.flushStarted
	s.mu.Unlock()

	s.registry.Leave(s.key, s.handle)

	if flushStarted {
		close(s.flushStop)
		<-s.flushDone
	}

	if createTask != nil {
		waitCtx, cancel := context.WithTimeout(ctx, s.timeouts.SessionCreate)
		if err := createTask.Wait(waitCtx); err != nil {
			log.Warn().Err(err).
				Str("groupKey", s.key.String()).
				Msg("session record unavailable at teardown, skipping session finalization")
		}
		cancel()
	}

	if previewTask != nil {
		waitCtx, cancel := context.WithTimeout(ctx, s.timeouts.SessionSave)
		if err := previewTask.Wait(waitCtx); err != nil {
			log.Warn().Err(err).
				Str("groupKey", s.key.String()).
				Msg("preview save unfinished at teardown")
		}
		cancel()
	}

	flushCtx, cancel := context.WithTimeout(ctx, s.timeouts.Archive)
	if err := s.flush(flushCtx); err != nil {
		log.Error().Err(err).
			Str("groupKey", s.key.String()).
			Msg("teardown flush failed: locally buffered events lost")
	}
	cancel()

	archiveCtx, cancel := context.WithTimeout(ctx, s.timeouts.Archive)
	url, err := s.archiver.Archive(archiveCtx, s.key)
	cancel()

	archived := false
	switch {
	case errors.Is(err, ErrNoArchive):
		log.Debug().
			Str("groupKey", s.key.String()).
			Msg("no events relayed, skipping archive")
	case err != nil:
		log.Error().Err(err).
			Str("groupKey", s.key.String()).
			Msg("archival incomplete, events remain in durable buffer")
		audit.Log(ctx, audit.Event{
			Type:      audit.EventArchiveFailure,
			OrgToken:  s.key.OrgToken,
			SessionID: s.key.SessionID,
			ConnID:    s.handle.ID,
			Details:   map[string]interface{}{"error": err.Error()},
		})
	default:
		archived = true
		audit.Log(ctx, audit.Event{
			Type:      audit.EventArchiveCreated,
			OrgToken:  s.key.OrgToken,
			SessionID: s.key.SessionID,
			ConnID:    s.handle.ID,
			Details:   map[string]interface{}{"url": url},
		})
	}

	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if archived {
		if sess == nil {
			log.Error().
				Str("groupKey", s.key.String()).
				Str("url", url).
				Msg("archive uploaded but no session record to attach it to")
		} else {
			saveCtx, cancel := context.WithTimeout(ctx, s.timeouts.SessionSave)
			if err := s.store.Finalize(saveCtx, sess.ID, url); err != nil {
				log.Error().Err(err).
					Str("groupKey", s.key.String()).
					Str("url", url).
					Msg("session finalization failed: storage URL not recorded")
				audit.Log(ctx, audit.Event{
					Type:      audit.EventFinalizeTimeout,
					OrgToken:  s.key.OrgToken,
					SessionID: s.key.SessionID,
					ConnID:    s.handle.ID,
					Details:   map[string]interface{}{"url": url},
				})
			}
			cancel()
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	log.Info().
		Str("groupKey", s.key.String()).
		Str("connId", s.handle.ID).
		Msg("end-user connection closed")
}

// OperatorSession is the observing counterparty. It joins the same group
// and relays anything it sends, but never buffers or archives: those
// responsibilities belong to the end-user side alone, which keeps archival
// single-writer per session.
type OperatorSession struct {
	key      GroupKey
	handle   *Handle
	registry *Registry

	mu    sync.Mutex
	state State
}

func NewOperatorSession(key GroupKey, handle *Handle, registry *Registry) *OperatorSession {
	return &OperatorSession{
		key:      key,
		handle:   handle,
		registry: registry,
		state:    StateConnecting,
	}
}

func (s *OperatorSession) Handle() *Handle {
	return s.handle
}

func (s *OperatorSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect on %s connection", state)
	}
	s.state = StateActive
	s.mu.Unlock()

	s.registry.Join(s.key, s.handle)

	log.Info().
		Str("groupKey", s.key.String()).
		Str("connId", s.handle.ID).
		Msg("operator connection active")
	return nil
}

func (s *OperatorSession) Receive(ctx context.Context, payload json.RawMessage) {
	msg, err := ExtractMessage(payload)
	if err != nil {
		log.Warn().Err(err).
			Str("groupKey", s.key.String()).
			Str("connId", s.handle.ID).
			Msg("discarding malformed inbound frame")
		return
	}

	s.registry.Publish(s.key, WrapMessage(msg), s.handle.ID)
}

func (s *OperatorSession) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.registry.Leave(s.key, s.handle)

	log.Info().
		Str("groupKey", s.key.String()).
		Str("connId", s.handle.ID).
		Msg("operator connection closed")
}
