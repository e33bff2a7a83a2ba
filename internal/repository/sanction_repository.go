package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sanction-engine/internal/models"
)

const sanctionColumns = `id, type, state, registration_id, parent_id, initiated_by, justification, revisable,
       initiation_date, end_date, date_modified, last_transitioned`

// SanctionChange is one compare-and-set state write staged by the state machine.
type SanctionChange struct {
	SanctionID string
	From       models.SanctionState
	To         models.SanctionState
	Action     *models.SanctionAction
	// Approvals, when non-empty, replaces the sanction's approval entries.
	Approvals []models.ApprovalEntry
	At        time.Time
}

// RegistrationChange is a visibility update on the registration a sanction governs.
type RegistrationChange struct {
	RegistrationID string
	Visibility     models.RegistrationVisibility
	At             time.Time
}

// TransitionBatch commits atomically: a root transition plus everything it cascaded.
type TransitionBatch struct {
	Sanctions     []SanctionChange
	Registrations []RegistrationChange
}

// SanctionRepository persists sanctions, their approval entries and action log.
type SanctionRepository struct {
	db *sqlx.DB
}

// NewSanctionRepository constructs the repository.
func NewSanctionRepository(db *sqlx.DB) *SanctionRepository {
	return &SanctionRepository{db: db}
}

type approvalRow struct {
	SanctionID string `db:"sanction_id"`
	models.ApprovalEntry
}

// Create inserts a sanction together with its approval entries.
func (r *SanctionRepository) Create(ctx context.Context, sanction *models.Sanction) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create sanction tx: %w", err)
	}
	const query = `INSERT INTO sanctions
	(id, type, state, registration_id, parent_id, initiated_by, justification, revisable, initiation_date, end_date, date_modified, last_transitioned)
	VALUES (:id, :type, :state, :registration_id, :parent_id, :initiated_by, :justification, :revisable, :initiation_date, :end_date, :date_modified, :last_transitioned)`
	if _, err := tx.NamedExecContext(ctx, query, sanction); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("create sanction: %w", err)
	}
	for _, approverID := range sanction.Approvers() {
		entry, _ := sanction.Entry(approverID)
		if err := insertApproval(ctx, tx, sanction.ID, *entry); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create sanction tx: %w", err)
	}
	return nil
}

// GetByID fetches a sanction and its approval entries.
func (r *SanctionRepository) GetByID(ctx context.Context, id string) (*models.Sanction, error) {
	query := `SELECT ` + sanctionColumns + ` FROM sanctions WHERE id = $1`
	var sanction models.Sanction
	if err := r.db.GetContext(ctx, &sanction, query, id); err != nil {
		return nil, err
	}
	list := []models.Sanction{sanction}
	if err := r.attachApprovals(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// List returns sanctions matching the filter, oldest first.
func (r *SanctionRepository) List(ctx context.Context, filter models.SanctionFilter) ([]models.Sanction, error) {
	where, args := sanctionWhere(filter)
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT `+sanctionColumns+` FROM sanctions%s ORDER BY initiation_date ASC, id ASC LIMIT %d OFFSET %d`, where, limit, offset)

	var sanctions []models.Sanction
	if err := r.db.SelectContext(ctx, &sanctions, query, args...); err != nil {
		return nil, fmt.Errorf("list sanctions: %w", err)
	}
	if err := r.attachApprovals(ctx, sanctions); err != nil {
		return nil, err
	}
	return sanctions, nil
}

// Count returns how many sanctions match filter, ignoring its paging.
func (r *SanctionRepository) Count(ctx context.Context, filter models.SanctionFilter) (int, error) {
	where, args := sanctionWhere(filter)
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sanctions`+where, args...); err != nil {
		return 0, fmt.Errorf("count sanctions: %w", err)
	}
	return total, nil
}

func sanctionWhere(filter models.SanctionFilter) (string, []interface{}) {
	args := make([]interface{}, 0, 8)
	conditions := make([]string, 0, 5)
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			args = append(args, t)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			args = append(args, s)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.RegistrationID != "" {
		args = append(args, filter.RegistrationID)
		conditions = append(conditions, fmt.Sprintf("registration_id = $%d", len(args)))
	}
	if filter.InitiatedBefore != nil {
		args = append(args, *filter.InitiatedBefore)
		conditions = append(conditions, fmt.Sprintf("initiation_date <= $%d", len(args)))
	}
	if filter.EndedBefore != nil {
		args = append(args, *filter.EndedBefore)
		conditions = append(conditions, fmt.Sprintf("end_date < $%d", len(args)))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (r *SanctionRepository) attachApprovals(ctx context.Context, sanctions []models.Sanction) error {
	if len(sanctions) == 0 {
		return nil
	}
	ids := make([]string, len(sanctions))
	index := make(map[string]int, len(sanctions))
	for i := range sanctions {
		ids[i] = sanctions[i].ID
		index[sanctions[i].ID] = i
		sanctions[i].ApprovalState = models.ApprovalState{}
	}
	query, args, err := sqlx.In(`SELECT sanction_id, approver_id, approval_token, rejection_token, has_approved, approved_at
	FROM sanction_approvals WHERE sanction_id IN (?) ORDER BY approver_id`, ids)
	if err != nil {
		return fmt.Errorf("build approvals query: %w", err)
	}
	var rows []approvalRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("load sanction approvals: %w", err)
	}
	for _, row := range rows {
		i, ok := index[row.SanctionID]
		if !ok {
			continue
		}
		entry := row.ApprovalEntry
		sanctions[i].ApprovalState[entry.ApproverID] = &entry
	}
	return nil
}

// RecordApproval flips one approver's consent. It reports false when the
// approver had already consented, so a consent is never counted twice.
func (r *SanctionRepository) RecordApproval(ctx context.Context, sanctionID, approverID string, at time.Time) (bool, error) {
	const query = `UPDATE sanction_approvals SET has_approved = TRUE, approved_at = $1
	WHERE sanction_id = $2 AND approver_id = $3 AND has_approved = FALSE`
	result, err := r.db.ExecContext(ctx, query, at, sanctionID, approverID)
	if err != nil {
		return false, fmt.Errorf("record approval: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check approval rows: %w", err)
	}
	return rows == 1, nil
}

// ApplyTransition commits a batch in one transaction. Each sanction row is
// locked and compared against its expected source state; any mismatch rolls
// the whole batch back with sql.ErrNoRows.
func (r *SanctionRepository) ApplyTransition(ctx context.Context, batch TransitionBatch) error {
	if len(batch.Sanctions) == 0 && len(batch.Registrations) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sanction transition tx: %w", err)
	}
	for _, change := range batch.Sanctions {
		if err := applySanctionChange(ctx, tx, change); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, change := range batch.Registrations {
		if err := applyRegistrationChange(ctx, tx, change); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sanction transition tx: %w", err)
	}
	return nil
}

func applySanctionChange(ctx context.Context, tx *sqlx.Tx, change SanctionChange) error {
	var current models.SanctionState
	if err := tx.GetContext(ctx, &current, `SELECT state FROM sanctions WHERE id = $1 FOR UPDATE`, change.SanctionID); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("lock sanction %s: %w", change.SanctionID, err)
	}
	if current != change.From {
		return sql.ErrNoRows
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE sanctions SET state = $1, date_modified = $2, last_transitioned = $2 WHERE id = $3 AND state = $4`,
		change.To, change.At, change.SanctionID, change.From)
	if err != nil {
		return fmt.Errorf("update sanction state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check sanction update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	if len(change.Approvals) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sanction_approvals WHERE sanction_id = $1`, change.SanctionID); err != nil {
			return fmt.Errorf("clear sanction approvals: %w", err)
		}
		for _, entry := range change.Approvals {
			if err := insertApproval(ctx, tx, change.SanctionID, entry); err != nil {
				return err
			}
		}
	}
	if change.Action != nil {
		const query = `INSERT INTO sanction_actions
		(id, sanction_id, trigger, from_state, to_state, moderation_trigger, actor_id, comment, created_at)
		VALUES (:id, :sanction_id, :trigger, :from_state, :to_state, :moderation_trigger, :actor_id, :comment, :created_at)`
		if _, err := tx.NamedExecContext(ctx, query, change.Action); err != nil {
			return fmt.Errorf("insert sanction action: %w", err)
		}
	}
	return nil
}

func applyRegistrationChange(ctx context.Context, tx *sqlx.Tx, change RegistrationChange) error {
	const query = `UPDATE registrations SET
	is_public = COALESCE($1, is_public),
	is_withdrawn = COALESCE($2, is_withdrawn),
	withdrawn_at = CASE WHEN $2::boolean IS TRUE THEN $3 ELSE withdrawn_at END,
	date_modified = $3
	WHERE id = $4`
	if _, err := tx.ExecContext(ctx, query, change.Visibility.IsPublic, change.Visibility.IsWithdrawn, change.At, change.RegistrationID); err != nil {
		return fmt.Errorf("update registration visibility: %w", err)
	}
	return nil
}

func insertApproval(ctx context.Context, tx *sqlx.Tx, sanctionID string, entry models.ApprovalEntry) error {
	const query = `INSERT INTO sanction_approvals
	(sanction_id, approver_id, approval_token, rejection_token, has_approved, approved_at)
	VALUES (:sanction_id, :approver_id, :approval_token, :rejection_token, :has_approved, :approved_at)`
	if _, err := tx.NamedExecContext(ctx, query, approvalRow{SanctionID: sanctionID, ApprovalEntry: entry}); err != nil {
		return fmt.Errorf("insert sanction approval: %w", err)
	}
	return nil
}
