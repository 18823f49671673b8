package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/session-relay-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindByIdentity(ctx context.Context, orgToken, endUserID, sessionID string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	SaveInitialEvents(ctx context.Context, id string, events json.RawMessage) error
	SetStorageURL(ctx context.Context, id string, url string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM relay_sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindByIdentity(ctx context.Context, orgToken, endUserID, sessionID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM relay_sessions
		WHERE org_token = $1 AND end_user_id = $2 AND session_id = $3
	`, orgToken, endUserID, sessionID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO relay_sessions (org_token, end_user_id, session_id, initial_events)
		VALUES ($1, $2, $3, '[]'::jsonb)
		ON CONFLICT (org_token, end_user_id, session_id) DO UPDATE SET updated_at = NOW()
		RETURNING *
	`, params.OrgToken, params.EndUserID, params.SessionID)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) SaveInitialEvents(ctx context.Context, id string, events json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE relay_sessions SET
			initial_events = $2,
			updated_at = $3
		WHERE id = $1
	`, id, events, time.Now())
	return err
}

func (r *sessionRepo) SetStorageURL(ctx context.Context, id string, url string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE relay_sessions SET
			storage_url = $2,
			updated_at = $3
		WHERE id = $1 AND storage_url IS NULL
	`, id, url, time.Now())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStorageURLSet
	}
	return nil
}

// ErrStorageURLSet is returned when a finalize would overwrite an existing
// storage URL. The first writer wins; later attempts are rejected.
var ErrStorageURLSet = errors.New("storage url already set")
