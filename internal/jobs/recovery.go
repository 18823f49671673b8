package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/session-relay-go/internal/audit"
	"github.com/openclaw/session-relay-go/internal/config"
	"github.com/openclaw/session-relay-go/internal/model"
	"github.com/openclaw/session-relay-go/internal/relay"
)

// StaleScanner finds event queues that have been idle long enough to be
// considered orphaned: their owning connection died without a clean teardown.
type StaleScanner interface {
	Stale(ctx context.Context, minIdle time.Duration) ([]relay.GroupKey, error)
}

// GroupArchiver runs the archival pipeline for one group.
type GroupArchiver interface {
	Archive(ctx context.Context, key relay.GroupKey) (string, error)
}

// SessionFinalizer looks up and finalizes session records for recovered
// queues.
type SessionFinalizer interface {
	FindByIdentity(ctx context.Context, orgToken, endUserID, sessionID string) (*model.Session, error)
	Finalize(ctx context.Context, id string, storageURL string) error
}

// Membership reports live group membership so the job never archives a queue
// that a connection is still feeding.
type Membership interface {
	MemberCount(key relay.GroupKey) int
}

// RecoveryJob periodically sweeps the durable buffer for orphaned queues and
// archives them out of band. A queue is orphaned when no live connection
// belongs to its group and the queue has been idle past the configured
// threshold, which happens when the server crashes mid-session or a teardown
// step times out.
type RecoveryJob struct {
	queues   StaleScanner
	archiver GroupArchiver
	sessions SessionFinalizer
	registry Membership
	minIdle  time.Duration
	interval time.Duration
	done     chan struct{}
}

func NewRecoveryJob(
	queues StaleScanner,
	archiver GroupArchiver,
	sessions SessionFinalizer,
	registry Membership,
	minIdle time.Duration,
	interval time.Duration,
) *RecoveryJob {
	return &RecoveryJob{
		queues:   queues,
		archiver: archiver,
		sessions: sessions,
		registry: registry,
		minIdle:  minIdle,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *RecoveryJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("minIdle", j.minIdle).Msg("recovery job started")
}

func (j *RecoveryJob) Stop() {
	close(j.done)
	log.Info().Msg("recovery job stopped")
}

func (j *RecoveryJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *RecoveryJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	keys, err := j.queues.Stale(ctx, j.minIdle)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan for orphaned queues")
		return
	}
	if len(keys) == 0 {
		return
	}

	log.Info().Int("count", len(keys)).Msg("orphaned event queues found")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.RecoveryConcurrency)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			j.recover(gctx, key)
			return nil
		})
	}
	_ = g.Wait()
}

func (j *RecoveryJob) recover(ctx context.Context, key relay.GroupKey) {
	// A member may have reconnected between the scan and now. Its own
	// teardown will archive the queue.
	if j.registry.MemberCount(key) > 0 {
		log.Debug().Str("groupKey", key.String()).Msg("skipping queue with live members")
		return
	}

	url, err := j.archiver.Archive(ctx, key)
	if err != nil {
		if errors.Is(err, relay.ErrNoArchive) {
			return
		}
		log.Error().Err(err).Str("groupKey", key.String()).Msg("recovery archive failed")
		return
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventRecoveryArchive,
		OrgToken:  key.OrgToken,
		SessionID: key.SessionID,
		Details:   map[string]interface{}{"url": url},
	})

	sess, err := j.sessions.FindByIdentity(ctx, key.OrgToken, key.EndUserID, key.SessionID)
	if err != nil {
		log.Error().Err(err).Str("groupKey", key.String()).Msg("session lookup failed after recovery archive")
		return
	}
	if sess == nil {
		// Archive exists in blob storage but the record never made it to
		// the database. Nothing to finalize.
		log.Warn().Str("groupKey", key.String()).Str("url", url).Msg("recovered archive has no session record")
		return
	}

	if err := j.sessions.Finalize(ctx, sess.ID, url); err != nil {
		log.Error().Err(err).Str("sessionId", sess.ID).Msg("failed to finalize recovered session")
	}
}
