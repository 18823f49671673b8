package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-relay-go/internal/storage"
)

// ErrNoArchive means a session relayed zero events: nothing is uploaded and
// the session record keeps a null storage URL.
var ErrNoArchive = errors.New("no events to archive")

// Document is the archived session transcript: full identity plus every
// relayed event in original receive order.
type Document struct {
	ChannelType string            `json:"channelType"`
	OrgToken    string            `json:"orgToken"`
	EndUserID   string            `json:"endUserId"`
	SessionID   string            `json:"sessionId"`
	ArchivedAt  time.Time         `json:"archivedAt"`
	Events      []json.RawMessage `json:"events"`
}

// Archiver drains a group's durable buffer, serializes the transcript into a
// single document, and uploads it to blob storage.
type Archiver struct {
	queue            EventQueue
	uploader         storage.Uploader
	batchSize        int64
	requeueOnFailure bool
}

func NewArchiver(queue EventQueue, uploader storage.Uploader, batchSize int64, requeueOnFailure bool) *Archiver {
	return &Archiver{
		queue:            queue,
		uploader:         uploader,
		batchSize:        batchSize,
		requeueOnFailure: requeueOnFailure,
	}
}

// Archive runs the pipeline for one group and returns the archive URL.
// Returns ErrNoArchive for an empty queue. On failure after a destructive
// drain, the drained events are pushed back to the queue head when
// requeue-on-failure is enabled; otherwise they are dropped and logged at
// error severity.
func (a *Archiver) Archive(ctx context.Context, key GroupKey) (string, error) {
	var drained [][]byte

	for {
		batch, err := a.queue.DrainBatch(ctx, key, a.batchSize)
		if err != nil {
			a.recoverDrained(key, drained)
			return "", fmt.Errorf("drain batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		drained = append(drained, batch...)
	}

	if len(drained) == 0 {
		return "", ErrNoArchive
	}

	doc := Document{
		ChannelType: key.ChannelType,
		OrgToken:    key.OrgToken,
		EndUserID:   key.EndUserID,
		SessionID:   key.SessionID,
		ArchivedAt:  time.Now().UTC(),
		Events:      make([]json.RawMessage, len(drained)),
	}
	for i, b := range drained {
		doc.Events[i] = json.RawMessage(b)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		a.recoverDrained(key, drained)
		return "", fmt.Errorf("serialize archive: %w", err)
	}

	path := fmt.Sprintf("sessions/%s/%s/%s/%d.json",
		key.OrgToken, key.EndUserID, key.SessionID, doc.ArchivedAt.Unix())

	url, err := a.uploader.Upload(ctx, path, data)
	if err != nil {
		a.recoverDrained(key, drained)
		return "", fmt.Errorf("upload archive: %w", err)
	}

	log.Info().
		Str("groupKey", key.String()).
		Int("eventCount", len(drained)).
		Str("url", url).
		Msg("session archived")

	return url, nil
}

// recoverDrained handles events that were destructively drained but did not
// make it into an archive. Uses a fresh context: the deadline that failed
// the upload must not also fail the requeue.
func (a *Archiver) recoverDrained(key GroupKey, drained [][]byte) {
	if len(drained) == 0 {
		return
	}

	if !a.requeueOnFailure {
		log.Error().
			Str("groupKey", key.String()).
			Int("eventCount", len(drained)).
			Msg("archive failed and requeue is disabled: drained events dropped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.queue.RequeueFront(ctx, key, drained); err != nil {
		log.Error().Err(err).
			Str("groupKey", key.String()).
			Int("eventCount", len(drained)).
			Msg("failed to requeue drained events: silent data loss")
		return
	}

	log.Warn().
		Str("groupKey", key.String()).
		Int("eventCount", len(drained)).
		Msg("archive failed, drained events requeued for recovery")
}
