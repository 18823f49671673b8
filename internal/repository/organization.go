package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/session-relay-go/internal/model"
)

// OrganizationRepository is the relay's read-only view of the organization
// directory. The table itself is owned by the main application.
type OrganizationRepository interface {
	FindByToken(ctx context.Context, token string) (*model.Organization, error)
}

type organizationRepo struct {
	db sessionDB
}

func NewOrganizationRepository(db *sqlx.DB) OrganizationRepository {
	return &organizationRepo{db: db}
}

func (r *organizationRepo) FindByToken(ctx context.Context, token string) (*model.Organization, error) {
	var org model.Organization
	err := r.db.GetContext(ctx, &org, `
		SELECT * FROM organizations WHERE token = $1
	`, token)
	return HandleNotFound(&org, err)
}
