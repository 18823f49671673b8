package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/session-relay-go/internal/model"
	"github.com/openclaw/session-relay-go/internal/repository"
)

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) FindByIdentity(ctx context.Context, orgToken, endUserID, sessionID string) (*model.Session, error) {
	args := m.Called(ctx, orgToken, endUserID, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) SaveInitialEvents(ctx context.Context, id string, events json.RawMessage) error {
	args := m.Called(ctx, id, events)
	return args.Error(0)
}

func (m *mockSessionRepo) SetStorageURL(ctx context.Context, id string, url string) error {
	args := m.Called(ctx, id, url)
	return args.Error(0)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return m
}

func TestSessionServiceCreate(t *testing.T) {
	ctx := context.Background()
	params := model.CreateSessionParams{OrgToken: "org-1", EndUserID: "user-1", SessionID: "sess-1"}

	t.Run("creates session record", func(t *testing.T) {
		repo := new(mockSessionRepo)
		repo.On("Create", ctx, params).Return(&model.Session{ID: "db-1", OrgToken: "org-1"}, nil)

		svc := NewSessionService(repo)
		session, err := svc.Create(ctx, params)

		require.NoError(t, err)
		assert.Equal(t, "db-1", session.ID)
		repo.AssertExpectations(t)
	})

	t.Run("propagates repository errors", func(t *testing.T) {
		repo := new(mockSessionRepo)
		repo.On("Create", ctx, params).Return(nil, errors.New("db down"))

		svc := NewSessionService(repo)
		_, err := svc.Create(ctx, params)

		assert.Error(t, err)
	})
}

func TestSessionServiceSaveInitialEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("serializes the preview list as a json array", func(t *testing.T) {
		repo := new(mockSessionRepo)
		repo.On("SaveInitialEvents", ctx, "db-1", json.RawMessage(`[{"n":0},{"n":1}]`)).Return(nil)

		svc := NewSessionService(repo)
		err := svc.SaveInitialEvents(ctx, "db-1", []json.RawMessage{
			json.RawMessage(`{"n":0}`),
			json.RawMessage(`{"n":1}`),
		})

		require.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("empty preview writes an empty array", func(t *testing.T) {
		repo := new(mockSessionRepo)
		repo.On("SaveInitialEvents", ctx, "db-1", json.RawMessage(`[]`)).Return(nil)

		svc := NewSessionService(repo)
		err := svc.SaveInitialEvents(ctx, "db-1", []json.RawMessage{})

		require.NoError(t, err)
		repo.AssertExpectations(t)
	})
}

func TestSessionServiceFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("sets the storage url", func(t *testing.T) {
		repo := new(mockSessionRepo)
		repo.On("SetStorageURL", ctx, "db-1", "https://archives.example.com/a.json").Return(nil)

		svc := NewSessionService(repo)
		err := svc.Finalize(ctx, "db-1", "https://archives.example.com/a.json")

		require.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("tolerates an already finalized session", func(t *testing.T) {
		repo := new(mockSessionRepo)
		repo.On("SetStorageURL", ctx, "db-1", "https://archives.example.com/b.json").
			Return(repository.ErrStorageURLSet)

		svc := NewSessionService(repo)
		err := svc.Finalize(ctx, "db-1", "https://archives.example.com/b.json")

		assert.NoError(t, err)
	})

	t.Run("propagates other repository errors", func(t *testing.T) {
		repo := new(mockSessionRepo)
		repo.On("SetStorageURL", ctx, "db-1", "url").Return(errors.New("db down"))

		svc := NewSessionService(repo)
		err := svc.Finalize(ctx, "db-1", "url")

		assert.Error(t, err)
	})
}
