package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CaseStatus captures the workflow state of a disciplinary case.
type CaseStatus string

const (
	CaseStatusOpen    CaseStatus = "OPEN"
	CaseStatusDecided CaseStatus = "DECIDED"
	CaseStatusClosed  CaseStatus = "CLOSED"
)

// Severity is the manually assessed seriousness of an incident.
type Severity string

const (
	SeverityMinor     Severity = "MINOR"
	SeverityMajor     Severity = "MAJOR"
	SeverityVeryMajor Severity = "VERY_MAJOR"
)

// Law1620Type classifies school-violence incidents under Law 1620.
type Law1620Type string

const (
	Law1620TypeI       Law1620Type = "I"
	Law1620TypeII      Law1620Type = "II"
	Law1620TypeIII     Law1620Type = "III"
	Law1620TypeUnknown Law1620Type = "UNKNOWN"
)

// CaseEventType enumerates entries of the append-only case log.
type CaseEventType string

const (
	CaseEventCreated          CaseEventType = "CREATED"
	CaseEventNote             CaseEventType = "NOTE"
	CaseEventNotifiedGuardian CaseEventType = "NOTIFIED_GUARDIAN"
	CaseEventDescargos        CaseEventType = "DESCARGOS"
	CaseEventDecision         CaseEventType = "DECISION"
	CaseEventClosed           CaseEventType = "CLOSED"
)

// ParticipantRole describes how a student is involved in a case.
type ParticipantRole string

const (
	ParticipantAllegedAggressor ParticipantRole = "ALLEGED_AGGRESSOR"
	ParticipantAllegedVictim    ParticipantRole = "ALLEGED_VICTIM"
	ParticipantWitness          ParticipantRole = "WITNESS"
	ParticipantOther            ParticipantRole = "OTHER"
)

// AttachmentKind tags the purpose of an uploaded file.
type AttachmentKind string

const (
	AttachmentEvidence     AttachmentKind = "EVIDENCE"
	AttachmentDescargos    AttachmentKind = "DESCARGOS"
	AttachmentNotification AttachmentKind = "NOTIFICATION"
	AttachmentOther        AttachmentKind = "OTHER"
)

// NotificationChannel is the medium used to reach a guardian.
type NotificationChannel string

const (
	ChannelEmail    NotificationChannel = "EMAIL"
	ChannelSMS      NotificationChannel = "SMS"
	ChannelPhone    NotificationChannel = "PHONE"
	ChannelInPerson NotificationChannel = "IN_PERSON"
	ChannelLetter   NotificationChannel = "LETTER"
)

// NotificationStatus reflects the outcome of a guardian notification attempt.
type NotificationStatus string

const (
	NotificationSent     NotificationStatus = "SENT"
	NotificationFailed   NotificationStatus = "FAILED"
	NotificationRecorded NotificationStatus = "RECORDED"
)

// SuggestionStatus tracks the review lifecycle of an AI decision suggestion.
type SuggestionStatus string

const (
	SuggestionDraft    SuggestionStatus = "DRAFT"
	SuggestionApproved SuggestionStatus = "APPROVED"
	SuggestionApplied  SuggestionStatus = "APPLIED"
	SuggestionRejected SuggestionStatus = "REJECTED"
)

// DisciplineCase is one disciplinary incident record.
type DisciplineCase struct {
	ID               string      `db:"id" json:"id"`
	StudentID        string      `db:"student_id" json:"student_id"`
	Narrative        string      `db:"narrative" json:"narrative"`
	OccurredAt       time.Time   `db:"occurred_at" json:"occurred_at"`
	Location         string      `db:"location" json:"location"`
	ManualSeverity   Severity    `db:"manual_severity" json:"manual_severity"`
	Law1620Type      Law1620Type `db:"law_1620_type" json:"law_1620_type"`
	Status           CaseStatus  `db:"status" json:"status"`
	DecisionText     *string     `db:"decision_text" json:"decision_text"`
	DecidedAt        *time.Time  `db:"decided_at" json:"decided_at"`
	DescargosDueAt   *time.Time  `db:"descargos_due_at" json:"descargos_due_at"`
	DescargosOverdue bool        `db:"-" json:"descargos_overdue"`
	SealedAt         *time.Time  `db:"sealed_at" json:"sealed_at"`
	SealedHash       *string     `db:"sealed_hash" json:"sealed_hash"`
	CreatedBy        string      `db:"created_by" json:"created_by"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// Sealed reports whether the case content has been locked.
func (c *DisciplineCase) Sealed() bool {
	return c != nil && c.SealedAt != nil
}

// CaseEvent is an entry of the case log.
type CaseEvent struct {
	ID        string        `db:"id" json:"id"`
	CaseID    string        `db:"case_id" json:"case_id"`
	EventType CaseEventType `db:"event_type" json:"event_type"`
	Text      string        `db:"text" json:"text"`
	CreatedBy string        `db:"created_by" json:"created_by"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time    `db:"updated_at" json:"updated_at,omitempty"`
}

// Participant links a student to a case.
type Participant struct {
	ID        string          `db:"id" json:"id"`
	CaseID    string          `db:"case_id" json:"case_id"`
	StudentID string          `db:"student_id" json:"student_id"`
	Role      ParticipantRole `db:"role" json:"role"`
	Notes     *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Attachment references a stored file.
type Attachment struct {
	ID          string         `db:"id" json:"id"`
	CaseID      string         `db:"case_id" json:"case_id"`
	Kind        AttachmentKind `db:"kind" json:"kind"`
	Description *string        `db:"description" json:"description,omitempty"`
	Filename    string         `db:"filename" json:"filename"`
	MimeType    string         `db:"mime_type" json:"mime_type"`
	SizeBytes   int64          `db:"size_bytes" json:"size_bytes"`
	FilePath    string         `db:"file_path" json:"-"`
	UploadedBy  string         `db:"uploaded_by" json:"uploaded_by"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	DownloadURL string         `db:"-" json:"download_url,omitempty"`
}

// NotificationLog records one attempt to reach the student's guardian.
type NotificationLog struct {
	ID               string              `db:"id" json:"id"`
	CaseID           string              `db:"case_id" json:"case_id"`
	Channel          NotificationChannel `db:"channel" json:"channel"`
	Status           NotificationStatus  `db:"status" json:"status"`
	Recipient        string              `db:"recipient" json:"recipient"`
	Note             *string             `db:"note" json:"note,omitempty"`
	AcknowledgedAt   *time.Time          `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedNote *string             `db:"acknowledged_note" json:"acknowledged_note,omitempty"`
	AcknowledgedBy   *string             `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	CreatedBy        string              `db:"created_by" json:"created_by"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
}

// Citation is a quoted fragment of the policy manual backing a suggestion.
type Citation struct {
	Quote  string `json:"quote"`
	Offset int    `json:"offset"`
}

// Citations is persisted as JSONB.
type Citations []Citation

// Value marshals citations to JSON for persistence.
func (c Citations) Value() (driver.Value, error) {
	if c == nil {
		c = Citations{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal citations: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into citations.
func (c *Citations) Scan(value interface{}) error {
	if value == nil {
		*c = Citations{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for Citations", value)
	}
	if len(data) == 0 {
		*c = Citations{}
		return nil
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal citations: %w", err)
	}
	return nil
}

// DecisionSuggestion is an AI generated proposal for the decision text.
type DecisionSuggestion struct {
	ID                    string           `db:"id" json:"id"`
	CaseID                string           `db:"case_id" json:"case_id"`
	ManualID              string           `db:"manual_id" json:"manual_id"`
	SuggestedDecisionText string           `db:"suggested_decision_text" json:"suggested_decision_text"`
	Citations             Citations        `db:"citations" json:"citations"`
	Status                SuggestionStatus `db:"status" json:"status"`
	CreatedBy             string           `db:"created_by" json:"created_by"`
	CreatedAt             time.Time        `db:"created_at" json:"created_at"`
	ReviewedBy            *string          `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt            *time.Time       `db:"reviewed_at" json:"reviewed_at,omitempty"`
}

// PolicyManual is the institutional rulebook the AI assistant cites from.
type PolicyManual struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Body      string    `db:"body" json:"-"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DisciplineCaseFilter constrains case listings.
type DisciplineCaseFilter struct {
	Status    []CaseStatus
	StudentID string
	Sealed    *bool
	Page      int
	PageSize  int
}
