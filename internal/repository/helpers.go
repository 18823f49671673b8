package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound converts sql.ErrNoRows into a nil result without error.
// The relay's lookups (session by identity, organization by token) treat a
// missing row as an answer rather than a failure: an unknown token means
// "deny the connection", not "the query broke".
//
//	var session model.Session
//	err := r.db.GetContext(ctx, &session, query, args...)
//	return HandleNotFound(&session, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
