package model

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID            string           `db:"id" json:"id"`
	OrgToken      string           `db:"org_token" json:"orgToken"`
	EndUserID     string           `db:"end_user_id" json:"endUserId"`
	SessionID     string           `db:"session_id" json:"sessionId"`
	StorageURL    *string          `db:"storage_url" json:"storageUrl,omitempty"`
	InitialEvents *json.RawMessage `db:"initial_events" json:"initialEvents,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updatedAt"`
}

type CreateSessionParams struct {
	OrgToken  string
	EndUserID string
	SessionID string
}
