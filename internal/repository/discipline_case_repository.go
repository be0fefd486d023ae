package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

const caseColumns = `id, student_id, narrative, occurred_at, location, manual_severity, law_1620_type, status,
       decision_text, decided_at, descargos_due_at, sealed_at, sealed_hash, created_by, created_at, updated_at`

// DisciplineCaseRepository persists discipline cases and their child records.
type DisciplineCaseRepository struct {
	db *sqlx.DB
}

// NewDisciplineCaseRepository constructs the repository.
func NewDisciplineCaseRepository(db *sqlx.DB) *DisciplineCaseRepository {
	return &DisciplineCaseRepository{db: db}
}

// Create inserts a case together with its CREATED log entry.
func (r *DisciplineCaseRepository) Create(ctx context.Context, c *models.DisciplineCase, created *models.CaseEvent) (err error) {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.CaseStatusOpen
	}
	if c.Law1620Type == "" {
		c.Law1620Type = models.Law1620TypeUnknown
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin case transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertCase = `INSERT INTO discipline_cases
	(id, student_id, narrative, occurred_at, location, manual_severity, law_1620_type, status, decision_text, decided_at,
	 descargos_due_at, sealed_at, sealed_hash, created_by, created_at, updated_at)
	VALUES (:id, :student_id, :narrative, :occurred_at, :location, :manual_severity, :law_1620_type, :status, :decision_text, :decided_at,
	 :descargos_due_at, :sealed_at, :sealed_hash, :created_by, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insertCase, c); err != nil {
		return fmt.Errorf("create discipline case: %w", err)
	}
	if created != nil {
		created.CaseID = c.ID
		prepareEvent(created, now)
		if _, err = tx.NamedExecContext(ctx, insertEventQuery, created); err != nil {
			return fmt.Errorf("create case event: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit discipline case: %w", err)
	}
	return nil
}

// GetByID fetches a case by identifier.
func (r *DisciplineCaseRepository) GetByID(ctx context.Context, id string) (*models.DisciplineCase, error) {
	query := `SELECT ` + caseColumns + ` FROM discipline_cases WHERE id = $1`
	var c models.DisciplineCase
	if err := r.db.GetContext(ctx, &c, query, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns cases matching the filter, most recent incidents first.
func (r *DisciplineCaseRepository) List(ctx context.Context, filter models.DisciplineCaseFilter) ([]models.DisciplineCase, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if len(filter.Status) > 0 {
		values := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			values[i] = string(s)
		}
		args = append(args, pq.Array(values))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		where = append(where, fmt.Sprintf("(student_id = $%d OR id IN (SELECT case_id FROM case_participants WHERE student_id = $%d))", len(args), len(args)))
	}
	if filter.Sealed != nil {
		if *filter.Sealed {
			where = append(where, "sealed_at IS NOT NULL")
		} else {
			where = append(where, "sealed_at IS NULL")
		}
	}
	whereClause := strings.Join(where, " AND ")
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM discipline_cases WHERE %s ORDER BY occurred_at DESC, created_at DESC LIMIT %d OFFSET %d`,
		caseColumns, whereClause, size, offset)
	var cases []models.DisciplineCase
	if err := r.db.SelectContext(ctx, &cases, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list discipline cases: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, fmt.Sprintf("SELECT COUNT(*) FROM discipline_cases WHERE %s", whereClause), args...); err != nil {
		return nil, 0, fmt.Errorf("count discipline cases: %w", err)
	}
	return cases, total, nil
}

// TransitionParams describes a guarded status change.
type TransitionParams struct {
	CaseID           string
	From             []models.CaseStatus
	To               models.CaseStatus
	DecisionText     *string
	DecidedAt        *time.Time
	ClearDecision    bool
	RequireDescargos bool
	Event            *models.CaseEvent
}

// ApplyTransition updates the case status when it is still unsealed and in
// one of the expected source states, then appends the optional log entry in
// the same transaction. It returns sql.ErrNoRows when the guard no longer
// holds in the database.
func (r *DisciplineCaseRepository) ApplyTransition(ctx context.Context, params TransitionParams) (err error) {
	now := time.Now().UTC()
	setParts := []string{"status = :status", "updated_at = :updated_at"}
	if params.ClearDecision {
		setParts = append(setParts, "decision_text = NULL", "decided_at = NULL")
	} else if params.DecisionText != nil {
		setParts = append(setParts, "decision_text = :decision_text", "decided_at = :decided_at")
	}
	from := make([]string, len(params.From))
	for i, s := range params.From {
		from[i] = string(s)
	}
	conditions := []string{"id = :id", "sealed_at IS NULL", "status = ANY(:from_statuses)"}
	if params.RequireDescargos {
		conditions = append(conditions, fmt.Sprintf("EXISTS (SELECT 1 FROM case_events WHERE case_id = :id AND event_type = '%s')", models.CaseEventDescargos))
	}
	query := fmt.Sprintf("UPDATE discipline_cases SET %s WHERE %s", strings.Join(setParts, ", "), strings.Join(conditions, " AND "))

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.NamedExecContext(ctx, query, map[string]interface{}{
		"id":            params.CaseID,
		"status":        params.To,
		"updated_at":    now,
		"decision_text": params.DecisionText,
		"decided_at":    params.DecidedAt,
		"from_statuses": pq.Array(from),
	})
	if err != nil {
		return fmt.Errorf("apply case transition: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check case transition rows: %w", err)
	}
	if rows == 0 {
		err = sql.ErrNoRows
		return err
	}
	if params.Event != nil {
		params.Event.CaseID = params.CaseID
		prepareEvent(params.Event, now)
		if _, err = tx.NamedExecContext(ctx, insertEventQuery, params.Event); err != nil {
			return fmt.Errorf("append transition event: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit case transition: %w", err)
	}
	return nil
}

// UpdateDeadline sets or clears the descargos deadline of an unsealed case.
func (r *DisciplineCaseRepository) UpdateDeadline(ctx context.Context, caseID string, dueAt *time.Time) error {
	const query = `UPDATE discipline_cases SET descargos_due_at = $1, updated_at = $2 WHERE id = $3 AND sealed_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, dueAt, time.Now().UTC(), caseID)
	if err != nil {
		return fmt.Errorf("update descargos deadline: %w", err)
	}
	return expectAffected(result, "update descargos deadline")
}

// Seal locks a closed case with its content hash.
func (r *DisciplineCaseRepository) Seal(ctx context.Context, caseID string, sealedAt time.Time, hash string) error {
	query := fmt.Sprintf(`UPDATE discipline_cases SET sealed_at = $1, sealed_hash = $2, updated_at = $1
WHERE id = $3 AND status = '%s' AND sealed_at IS NULL`, models.CaseStatusClosed)
	result, err := r.db.ExecContext(ctx, query, sealedAt, hash, caseID)
	if err != nil {
		return fmt.Errorf("seal discipline case: %w", err)
	}
	return expectAffected(result, "seal discipline case")
}

// ListPendingSeal returns closed cases that were never sealed.
func (r *DisciplineCaseRepository) ListPendingSeal(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id FROM discipline_cases WHERE status = '%s' AND sealed_at IS NULL ORDER BY updated_at ASC LIMIT %d`,
		models.CaseStatusClosed, limit)
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list cases pending seal: %w", err)
	}
	return ids, nil
}

func expectAffected(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check %s rows: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
