package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionCaseCreate         = "CASE_CREATE"
	AuditActionCaseDecide         = "CASE_DECIDE"
	AuditActionCaseDecisionUpdate = "CASE_DECISION_UPDATE"
	AuditActionCaseDecisionClear  = "CASE_DECISION_CLEAR"
	AuditActionCaseClose          = "CASE_CLOSE"
	AuditActionCaseSeal           = "CASE_SEAL"
	AuditActionCaseDeadline       = "CASE_DESCARGOS_DEADLINE"
	AuditActionEventUpdate        = "CASE_EVENT_UPDATE"
	AuditActionEventDelete        = "CASE_EVENT_DELETE"
	AuditActionAttachmentUpload   = "CASE_ATTACHMENT_UPLOAD"
	AuditActionAttachmentDownload = "CASE_ATTACHMENT_DOWNLOAD"
	AuditActionSuggestionReview   = "CASE_SUGGESTION_REVIEW"
	AuditActionSuggestionApply    = "CASE_SUGGESTION_APPLY"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
