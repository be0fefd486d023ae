package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

const suggestionColumns = `id, case_id, manual_id, suggested_decision_text, citations, status, created_by, created_at, reviewed_by, reviewed_at`

// ListSuggestions returns AI suggestions for a case, newest first.
func (r *DisciplineCaseRepository) ListSuggestions(ctx context.Context, caseID string) ([]models.DecisionSuggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM case_decision_suggestions WHERE case_id = $1 ORDER BY created_at DESC`
	var suggestions []models.DecisionSuggestion
	if err := r.db.SelectContext(ctx, &suggestions, query, caseID); err != nil {
		return nil, fmt.Errorf("list decision suggestions: %w", err)
	}
	return suggestions, nil
}

// CreateSuggestion stores a DRAFT suggestion for an unsealed case.
func (r *DisciplineCaseRepository) CreateSuggestion(ctx context.Context, s *models.DecisionSuggestion) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = models.SuggestionDraft
	}
	s.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO case_decision_suggestions (id, case_id, manual_id, suggested_decision_text, citations, status, created_by, created_at)
SELECT $1, c.id, $2, $3, $4, $5, $6, $7 FROM discipline_cases c WHERE c.id = $8 AND c.sealed_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, s.ID, s.ManualID, s.SuggestedDecisionText, s.Citations, s.Status, s.CreatedBy, s.CreatedAt, s.CaseID)
	if err != nil {
		return fmt.Errorf("create decision suggestion: %w", err)
	}
	return expectAffected(result, "create decision suggestion")
}

// UpdateSuggestionStatus moves a suggestion from one status to another. It
// returns sql.ErrNoRows when the suggestion is no longer in status from.
func (r *DisciplineCaseRepository) UpdateSuggestionStatus(ctx context.Context, caseID, suggestionID string, from, to models.SuggestionStatus, reviewer string) error {
	const query = `UPDATE case_decision_suggestions SET status = $1, reviewed_by = $2, reviewed_at = $3
WHERE id = $4 AND case_id = $5 AND status = $6`
	result, err := r.db.ExecContext(ctx, query, to, reviewer, time.Now().UTC(), suggestionID, caseID, from)
	if err != nil {
		return fmt.Errorf("update decision suggestion: %w", err)
	}
	return expectAffected(result, "update decision suggestion")
}

// PolicyManualRepository reads the institutional rulebooks.
type PolicyManualRepository struct {
	db *sqlx.DB
}

// NewPolicyManualRepository constructs the repository.
func NewPolicyManualRepository(db *sqlx.DB) *PolicyManualRepository {
	return &PolicyManualRepository{db: db}
}

// GetActive returns the manual currently used for suggestions.
func (r *PolicyManualRepository) GetActive(ctx context.Context) (*models.PolicyManual, error) {
	const query = `SELECT id, title, body, active, created_at FROM policy_manuals WHERE active = TRUE ORDER BY created_at DESC LIMIT 1`
	var manual models.PolicyManual
	if err := r.db.GetContext(ctx, &manual, query); err != nil {
		return nil, err
	}
	return &manual, nil
}
