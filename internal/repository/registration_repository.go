package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sanction-engine/internal/models"
)

// RegistrationRepository reads the registrations sanctions govern.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

type registrationRow struct {
	models.Registration
	AdminIDs pq.StringArray `db:"admin_ids"`
}

// GetByID fetches a registration with its admin ids. Deleted registrations are
// returned with IsDeleted set; only a missing row yields sql.ErrNoRows.
func (r *RegistrationRepository) GetByID(ctx context.Context, id string) (*models.Registration, error) {
	const query = `SELECT r.id, r.title, r.provider_id, r.is_moderated, r.is_public, r.is_withdrawn, r.is_deleted,
       r.withdrawn_at, r.date_modified,
       ARRAY(SELECT a.user_id FROM registration_admins a WHERE a.registration_id = r.id ORDER BY a.user_id) AS admin_ids
	FROM registrations r WHERE r.id = $1`
	var row registrationRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, err
	}
	registration := row.Registration
	registration.AdminIDs = []string(row.AdminIDs)
	return &registration, nil
}
