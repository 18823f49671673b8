package model

import "time"

type Organization struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Token     string    `db:"token" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
