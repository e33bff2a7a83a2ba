package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sanction-engine/internal/models"
)

// SubmissionChange is one compare-and-set write of a collection submission.
type SubmissionChange struct {
	SubmissionID string
	From         models.CollectionSubmissionState
	To           models.CollectionSubmissionState
	Action       *models.CollectionSubmissionAction
	ItemPublic   *bool
	Searchable   *bool
	At           time.Time
}

// CollectionSubmissionRepository persists collection submissions and reads collections.
type CollectionSubmissionRepository struct {
	db *sqlx.DB
}

// NewCollectionSubmissionRepository constructs the repository.
func NewCollectionSubmissionRepository(db *sqlx.DB) *CollectionSubmissionRepository {
	return &CollectionSubmissionRepository{db: db}
}

type submissionRow struct {
	models.CollectionSubmission
	ItemAdminIDs pq.StringArray `db:"item_admin_ids"`
}

type collectionRow struct {
	models.Collection
	ModeratorIDs pq.StringArray `db:"moderator_ids"`
}

// Create inserts a submission and its item admins.
func (r *CollectionSubmissionRepository) Create(ctx context.Context, submission *models.CollectionSubmission) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create submission tx: %w", err)
	}
	const query = `INSERT INTO collection_submissions
	(id, collection_id, item_id, state, creator_id, item_public, searchable, date_created, date_modified, last_transitioned)
	VALUES (:id, :collection_id, :item_id, :state, :creator_id, :item_public, :searchable, :date_created, :date_modified, :last_transitioned)`
	if _, err := tx.NamedExecContext(ctx, query, submission); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("create collection submission: %w", err)
	}
	for _, userID := range submission.ItemAdminIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO collection_submission_admins (submission_id, user_id) VALUES ($1, $2)`, submission.ID, userID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert submission admin: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create submission tx: %w", err)
	}
	return nil
}

// GetByID fetches a submission with its item admins.
func (r *CollectionSubmissionRepository) GetByID(ctx context.Context, id string) (*models.CollectionSubmission, error) {
	const query = `SELECT s.id, s.collection_id, s.item_id, s.state, s.creator_id, s.item_public, s.searchable,
       s.date_created, s.date_modified, s.last_transitioned,
       ARRAY(SELECT a.user_id FROM collection_submission_admins a WHERE a.submission_id = s.id ORDER BY a.user_id) AS item_admin_ids
	FROM collection_submissions s WHERE s.id = $1`
	var row submissionRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, err
	}
	submission := row.CollectionSubmission
	submission.ItemAdminIDs = []string(row.ItemAdminIDs)
	return &submission, nil
}

// GetCollection fetches a collection with its moderators.
func (r *CollectionSubmissionRepository) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	const query = `SELECT c.id, c.title, c.moderation_type,
       ARRAY(SELECT m.user_id FROM collection_moderators m WHERE m.collection_id = c.id ORDER BY m.user_id) AS moderator_ids
	FROM collections c WHERE c.id = $1`
	var row collectionRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, err
	}
	collection := row.Collection
	collection.ModeratorIDs = []string(row.ModeratorIDs)
	return &collection, nil
}

// ApplyTransition writes the new state if the row is still in change.From and
// appends the action, returning sql.ErrNoRows when another writer won.
func (r *CollectionSubmissionRepository) ApplyTransition(ctx context.Context, change SubmissionChange) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submission transition tx: %w", err)
	}
	const update = `UPDATE collection_submissions SET state = $1,
	item_public = COALESCE($2, item_public),
	searchable = COALESCE($3, searchable),
	date_modified = $4, last_transitioned = $4
	WHERE id = $5 AND state = $6`
	result, err := tx.ExecContext(ctx, update, change.To, change.ItemPublic, change.Searchable, change.At, change.SubmissionID, change.From)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update submission state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("check submission update rows: %w", err)
	}
	if rows == 0 {
		_ = tx.Rollback()
		return sql.ErrNoRows
	}
	if change.Action != nil {
		const query = `INSERT INTO collection_submission_actions
		(id, submission_id, trigger, from_state, to_state, actor_id, comment, created_at)
		VALUES (:id, :submission_id, :trigger, :from_state, :to_state, :actor_id, :comment, :created_at)`
		if _, err := tx.NamedExecContext(ctx, query, change.Action); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert submission action: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submission transition tx: %w", err)
	}
	return nil
}
