package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

// ListAttachments returns attachment metadata for a case.
func (r *DisciplineCaseRepository) ListAttachments(ctx context.Context, caseID string) ([]models.Attachment, error) {
	const query = `SELECT id, case_id, kind, description, filename, mime_type, size_bytes, file_path, uploaded_by, created_at
FROM case_attachments WHERE case_id = $1 ORDER BY created_at ASC`
	var attachments []models.Attachment
	if err := r.db.SelectContext(ctx, &attachments, query, caseID); err != nil {
		return nil, fmt.Errorf("list case attachments: %w", err)
	}
	return attachments, nil
}

// GetAttachment fetches one attachment scoped to its case.
func (r *DisciplineCaseRepository) GetAttachment(ctx context.Context, caseID, attachmentID string) (*models.Attachment, error) {
	const query = `SELECT id, case_id, kind, description, filename, mime_type, size_bytes, file_path, uploaded_by, created_at
FROM case_attachments WHERE case_id = $1 AND id = $2`
	var attachment models.Attachment
	if err := r.db.GetContext(ctx, &attachment, query, caseID, attachmentID); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// AddAttachment stores attachment metadata on an unsealed case. A non-nil
// event is inserted in the same transaction, so a descargos file never
// outlives a failed DESCARGOS entry.
func (r *DisciplineCaseRepository) AddAttachment(ctx context.Context, a *models.Attachment, event *models.CaseEvent) (err error) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attachment transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const query = `INSERT INTO case_attachments (id, case_id, kind, description, filename, mime_type, size_bytes, file_path, uploaded_by, created_at)
SELECT $1, c.id, $2, $3, $4, $5, $6, $7, $8, $9 FROM discipline_cases c WHERE c.id = $10 AND c.sealed_at IS NULL`
	result, err := tx.ExecContext(ctx, query, a.ID, a.Kind, a.Description, a.Filename, a.MimeType, a.SizeBytes, a.FilePath, a.UploadedBy, a.CreatedAt, a.CaseID)
	if err != nil {
		return fmt.Errorf("add case attachment: %w", err)
	}
	if err = expectAffected(result, "add case attachment"); err != nil {
		return err
	}
	if event != nil {
		event.CaseID = a.CaseID
		prepareEvent(event, now)
		if _, err = tx.NamedExecContext(ctx, insertEventQuery, event); err != nil {
			return fmt.Errorf("append attachment event: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit case attachment: %w", err)
	}
	return nil
}

// ListNotificationLogs returns guardian notification attempts, newest first.
func (r *DisciplineCaseRepository) ListNotificationLogs(ctx context.Context, caseID string) ([]models.NotificationLog, error) {
	const query = `SELECT id, case_id, channel, status, recipient, note, acknowledged_at, acknowledged_note, acknowledged_by, created_by, created_at
FROM case_notification_logs WHERE case_id = $1 ORDER BY created_at DESC`
	var logs []models.NotificationLog
	if err := r.db.SelectContext(ctx, &logs, query, caseID); err != nil {
		return nil, fmt.Errorf("list notification logs: %w", err)
	}
	return logs, nil
}

// GetNotificationLog fetches one notification attempt scoped to its case.
func (r *DisciplineCaseRepository) GetNotificationLog(ctx context.Context, caseID, logID string) (*models.NotificationLog, error) {
	const query = `SELECT id, case_id, channel, status, recipient, note, acknowledged_at, acknowledged_note, acknowledged_by, created_by, created_at
FROM case_notification_logs WHERE case_id = $1 AND id = $2`
	var log models.NotificationLog
	if err := r.db.GetContext(ctx, &log, query, caseID, logID); err != nil {
		return nil, err
	}
	return &log, nil
}

// AddNotificationLog records a notification attempt and its NOTIFIED_GUARDIAN
// log entry atomically.
func (r *DisciplineCaseRepository) AddNotificationLog(ctx context.Context, log *models.NotificationLog, event *models.CaseEvent) (err error) {
	now := time.Now().UTC()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.CreatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notification transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertLog = `INSERT INTO case_notification_logs (id, case_id, channel, status, recipient, note, created_by, created_at)
SELECT $1, c.id, $2, $3, $4, $5, $6, $7 FROM discipline_cases c WHERE c.id = $8 AND c.sealed_at IS NULL`
	result, err := tx.ExecContext(ctx, insertLog, log.ID, log.Channel, log.Status, log.Recipient, log.Note, log.CreatedBy, log.CreatedAt, log.CaseID)
	if err != nil {
		return fmt.Errorf("add notification log: %w", err)
	}
	if err = expectAffected(result, "add notification log"); err != nil {
		return err
	}
	if event != nil {
		event.CaseID = log.CaseID
		prepareEvent(event, now)
		if _, err = tx.NamedExecContext(ctx, insertEventQuery, event); err != nil {
			return fmt.Errorf("append notification event: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit notification log: %w", err)
	}
	return nil
}

// AcknowledgeNotification stamps the acknowledgement. Repeated calls
// overwrite the previous values.
func (r *DisciplineCaseRepository) AcknowledgeNotification(ctx context.Context, caseID, logID string, at time.Time, note *string, by string) error {
	const query = `UPDATE case_notification_logs SET acknowledged_at = $1, acknowledged_note = $2, acknowledged_by = $3
WHERE id = $4 AND case_id = $5
AND EXISTS (SELECT 1 FROM discipline_cases c WHERE c.id = $5 AND c.sealed_at IS NULL)`
	result, err := r.db.ExecContext(ctx, query, at, note, by, logID, caseID)
	if err != nil {
		return fmt.Errorf("acknowledge notification: %w", err)
	}
	return expectAffected(result, "acknowledge notification")
}
