package dto

import (
	"time"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/models"
)

// CaseDetail is the authoritative aggregate returned after every read or mutation.
type CaseDetail struct {
	Case             models.DisciplineCase       `json:"case"`
	Events           []models.CaseEvent          `json:"events"`
	Participants     []models.Participant        `json:"participants"`
	Attachments      []models.Attachment         `json:"attachments"`
	NotificationLogs []models.NotificationLog    `json:"notification_logs"`
	Suggestions      []models.DecisionSuggestion `json:"suggestions"`
	LatestSuggestion *models.DecisionSuggestion  `json:"latest_suggestion,omitempty"`
	HasDescargos     bool                        `json:"has_descargos"`
	Capabilities     discipline.Capabilities     `json:"capabilities"`
}

// CreateCaseRequest is the incident intake payload.
type CreateCaseRequest struct {
	StudentID      string             `json:"student_id" validate:"required"`
	Narrative      string             `json:"narrative" validate:"required"`
	OccurredAt     time.Time          `json:"occurred_at" validate:"required"`
	Location       string             `json:"location"`
	ManualSeverity models.Severity    `json:"manual_severity" validate:"required,severity"`
	Law1620Type    models.Law1620Type `json:"law_1620_type" validate:"omitempty,law1620"`
}

// CaseQuery mirrors supported listing filters.
type CaseQuery struct {
	Status    []models.CaseStatus
	StudentID string
	Sealed    *bool
	Page      int
	PageSize  int
}

// DescargosRequest records the student's rebuttal. The optional file arrives
// as a multipart part next to the text field.
type DescargosRequest struct {
	Text string `form:"text" json:"text"`
}

// DecisionRequest carries decision text for decide and update.
type DecisionRequest struct {
	DecisionText string `json:"decision_text"`
}

// NotifyGuardianRequest logs a guardian notification attempt.
type NotifyGuardianRequest struct {
	Channel   models.NotificationChannel `json:"channel"`
	Recipient string                     `json:"recipient"`
	Note      string                     `json:"note"`
}

// AcknowledgeRequest marks a notification log as acknowledged.
type AcknowledgeRequest struct {
	LogID string `json:"log_id"`
	Note  string `json:"note"`
}

// DeadlineRequest sets or clears (null) the descargos deadline.
type DeadlineRequest struct {
	DueAt *time.Time `json:"due_at"`
}

// NoteRequest appends a clarifying note.
type NoteRequest struct {
	Text string `json:"text"`
}

// UpdateEventRequest amends the text of a NOTE or DESCARGOS entry.
type UpdateEventRequest struct {
	Text string `json:"text"`
}

// AddParticipantRequest links a student to the case.
type AddParticipantRequest struct {
	StudentID string                 `json:"student_id"`
	Role      models.ParticipantRole `json:"role"`
	Notes     string                 `json:"notes"`
}

// AttachmentRequest is the metadata submitted alongside an uploaded file.
type AttachmentRequest struct {
	Kind        models.AttachmentKind `form:"kind" json:"kind"`
	Description string                `form:"description" json:"description"`
}

// StudentSearchResult is one row of the participant picker.
type StudentSearchResult struct {
	ID       string `json:"id" db:"id"`
	NIS      string `json:"nis" db:"nis"`
	FullName string `json:"full_name" db:"full_name"`
}
