package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

const insertEventQuery = `INSERT INTO case_events (id, case_id, event_type, text, created_by, created_at, updated_at)
VALUES (:id, :case_id, :event_type, :text, :created_by, :created_at, :updated_at)`

func prepareEvent(event *models.CaseEvent, now time.Time) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.CreatedAt = now
	event.UpdatedAt = nil
}

// ListEvents returns the case log oldest first.
func (r *DisciplineCaseRepository) ListEvents(ctx context.Context, caseID string) ([]models.CaseEvent, error) {
	const query = `SELECT id, case_id, event_type, text, created_by, created_at, updated_at
FROM case_events WHERE case_id = $1 ORDER BY created_at ASC, id ASC`
	var events []models.CaseEvent
	if err := r.db.SelectContext(ctx, &events, query, caseID); err != nil {
		return nil, fmt.Errorf("list case events: %w", err)
	}
	return events, nil
}

// GetEvent fetches a single log entry scoped to its case.
func (r *DisciplineCaseRepository) GetEvent(ctx context.Context, caseID, eventID string) (*models.CaseEvent, error) {
	const query = `SELECT id, case_id, event_type, text, created_by, created_at, updated_at
FROM case_events WHERE case_id = $1 AND id = $2`
	var event models.CaseEvent
	if err := r.db.GetContext(ctx, &event, query, caseID, eventID); err != nil {
		return nil, err
	}
	return &event, nil
}

// AppendEvent adds a log entry. Unless allowSealed is set the insert only
// happens while the case is unsealed; otherwise sql.ErrNoRows is returned.
func (r *DisciplineCaseRepository) AppendEvent(ctx context.Context, event *models.CaseEvent, allowSealed bool) error {
	prepareEvent(event, time.Now().UTC())
	query := `INSERT INTO case_events (id, case_id, event_type, text, created_by, created_at)
SELECT $1, c.id, $2, $3, $4, $5 FROM discipline_cases c WHERE c.id = $6`
	if !allowSealed {
		query += " AND c.sealed_at IS NULL"
	}
	result, err := r.db.ExecContext(ctx, query, event.ID, event.EventType, event.Text, event.CreatedBy, event.CreatedAt, event.CaseID)
	if err != nil {
		return fmt.Errorf("append case event: %w", err)
	}
	return expectAffected(result, "append case event")
}

// UpdateEventText amends a NOTE or DESCARGOS entry of an unsealed case.
func (r *DisciplineCaseRepository) UpdateEventText(ctx context.Context, caseID, eventID, text string) error {
	query := fmt.Sprintf(`UPDATE case_events SET text = $1, updated_at = $2
WHERE id = $3 AND case_id = $4 AND event_type IN ('%s', '%s')
AND EXISTS (SELECT 1 FROM discipline_cases c WHERE c.id = $4 AND c.sealed_at IS NULL)`,
		models.CaseEventNote, models.CaseEventDescargos)
	result, err := r.db.ExecContext(ctx, query, text, time.Now().UTC(), eventID, caseID)
	if err != nil {
		return fmt.Errorf("update case event: %w", err)
	}
	return expectAffected(result, "update case event")
}

// DeleteEvent removes a NOTE or DESCARGOS entry. When the case is no longer
// OPEN, the last DESCARGOS entry is kept so the decision stays justified.
func (r *DisciplineCaseRepository) DeleteEvent(ctx context.Context, caseID, eventID string) error {
	query := fmt.Sprintf(`DELETE FROM case_events e
WHERE e.id = $1 AND e.case_id = $2 AND e.event_type IN ('%[1]s', '%[2]s')
AND EXISTS (SELECT 1 FROM discipline_cases c WHERE c.id = $2 AND c.sealed_at IS NULL
  AND (c.status = '%[3]s' OR e.event_type <> '%[2]s'
    OR (SELECT COUNT(*) FROM case_events d WHERE d.case_id = $2 AND d.event_type = '%[2]s') > 1))`,
		models.CaseEventNote, models.CaseEventDescargos, models.CaseStatusOpen)
	result, err := r.db.ExecContext(ctx, query, eventID, caseID)
	if err != nil {
		return fmt.Errorf("delete case event: %w", err)
	}
	return expectAffected(result, "delete case event")
}

// ListParticipants returns the students linked to a case.
func (r *DisciplineCaseRepository) ListParticipants(ctx context.Context, caseID string) ([]models.Participant, error) {
	const query = `SELECT id, case_id, student_id, role, notes, created_at
FROM case_participants WHERE case_id = $1 ORDER BY created_at ASC`
	var participants []models.Participant
	if err := r.db.SelectContext(ctx, &participants, query, caseID); err != nil {
		return nil, fmt.Errorf("list case participants: %w", err)
	}
	return participants, nil
}

// ParticipantExists reports whether the student already holds role in the case.
func (r *DisciplineCaseRepository) ParticipantExists(ctx context.Context, caseID, studentID string, role models.ParticipantRole) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM case_participants WHERE case_id = $1 AND student_id = $2 AND role = $3)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, caseID, studentID, role); err != nil {
		return false, fmt.Errorf("check case participant: %w", err)
	}
	return exists, nil
}

// AddParticipant links a student to an unsealed case.
func (r *DisciplineCaseRepository) AddParticipant(ctx context.Context, p *models.Participant) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO case_participants (id, case_id, student_id, role, notes, created_at)
SELECT $1, c.id, $2, $3, $4, $5 FROM discipline_cases c WHERE c.id = $6 AND c.sealed_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, p.ID, p.StudentID, p.Role, p.Notes, p.CreatedAt, p.CaseID)
	if err != nil {
		return fmt.Errorf("add case participant: %w", err)
	}
	return expectAffected(result, "add case participant")
}
