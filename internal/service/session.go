package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-relay-go/internal/model"
	"github.com/openclaw/session-relay-go/internal/repository"
)

// SessionService is the session lifecycle manager: record creation on
// connect, preview persistence while the session runs, finalization with the
// archive URL on teardown.
type SessionService struct {
	sessionRepo repository.SessionRepository
}

func NewSessionService(sessionRepo repository.SessionRepository) *SessionService {
	return &SessionService{sessionRepo: sessionRepo}
}

func (s *SessionService) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	session, err := s.sessionRepo.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("orgToken", session.OrgToken).
		Str("endUserId", session.EndUserID).
		Msg("session record created")

	return session, nil
}

func (s *SessionService) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return s.sessionRepo.FindByID(ctx, id)
}

func (s *SessionService) FindByIdentity(ctx context.Context, orgToken, endUserID, sessionID string) (*model.Session, error) {
	return s.sessionRepo.FindByIdentity(ctx, orgToken, endUserID, sessionID)
}

// SaveInitialEvents persists the preview list on the session record. The
// whole list is written each time so the record always holds a prefix of
// the event stream in receive order.
func (s *SessionService) SaveInitialEvents(ctx context.Context, id string, events []json.RawMessage) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("serialize initial events: %w", err)
	}

	if err := s.sessionRepo.SaveInitialEvents(ctx, id, data); err != nil {
		return fmt.Errorf("save initial events: %w", err)
	}
	return nil
}

// Finalize attaches the archive URL to the session record. The repository
// enforces first-writer-wins, so a recovery pass and a live teardown cannot
// both claim the same session.
func (s *SessionService) Finalize(ctx context.Context, id string, storageURL string) error {
	if err := s.sessionRepo.SetStorageURL(ctx, id, storageURL); err != nil {
		if errors.Is(err, repository.ErrStorageURLSet) {
			log.Warn().
				Str("sessionId", id).
				Str("url", storageURL).
				Msg("session already finalized, keeping existing storage URL")
			return nil
		}
		return fmt.Errorf("finalize session: %w", err)
	}

	log.Info().
		Str("sessionId", id).
		Str("url", storageURL).
		Msg("session finalized")
	return nil
}
