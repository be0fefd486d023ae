package discipline

import (
	"strings"
	"time"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

// Policy carries the configurable parts of the rule set.
type Policy struct {
	// AllowNotesWhenSealed keeps NOTE appends available on sealed cases.
	AllowNotesWhenSealed bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{AllowNotesWhenSealed: true}
}

// HasDescargos reports whether at least one DESCARGOS event exists.
func HasDescargos(events []models.CaseEvent) bool {
	return countEvents(events, models.CaseEventDescargos) > 0
}

// CountDescargos returns the number of DESCARGOS events.
func CountDescargos(events []models.CaseEvent) int {
	return countEvents(events, models.CaseEventDescargos)
}

func countEvents(events []models.CaseEvent, eventType models.CaseEventType) int {
	n := 0
	for _, e := range events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// DescargosOverdue derives whether the rebuttal deadline has passed unanswered.
func DescargosOverdue(c *models.DisciplineCase, hasDescargos bool, now time.Time) bool {
	if c == nil || c.DescargosDueAt == nil || hasDescargos {
		return false
	}
	if c.Status != models.CaseStatusOpen {
		return false
	}
	return now.After(*c.DescargosDueAt)
}

// CanEditOrDeleteEvent decides whether actor may amend or remove event.
func CanEditOrDeleteEvent(c *models.DisciplineCase, event models.CaseEvent, actor Actor) bool {
	if actor.Role == models.RoleParent || c.Sealed() {
		return false
	}
	if event.EventType != models.CaseEventNote && event.EventType != models.CaseEventDescargos {
		return false
	}
	switch actor.Role {
	case models.RoleAdmin, models.RoleSuperAdmin:
		return true
	case models.RoleTeacher:
		return actor.ID != "" && event.CreatedBy == actor.ID
	default:
		return false
	}
}

func forbidden(action string) error {
	return appErrors.Clone(appErrors.ErrForbidden, "not allowed to "+action)
}

func sealed() error {
	return appErrors.Clone(appErrors.ErrCaseSealed, "case is sealed and can no longer be modified")
}

func required(field string) error {
	return appErrors.Clone(appErrors.ErrValidation, field+" is required").WithDetail(map[string]interface{}{"field": field})
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// CheckRecordDescargos guards the descargos append.
func (p Policy) CheckRecordDescargos(c *models.DisciplineCase, caps Capabilities, text string) error {
	if !caps.CanEdit {
		return forbidden("record descargos")
	}
	if c.Sealed() {
		return sealed()
	}
	if blank(text) {
		return required("descargos text")
	}
	return nil
}

// CheckDecide guards OPEN -> DECIDED. The descargos requirement is evaluated
// before the status so it is reported regardless of the current state.
func (p Policy) CheckDecide(c *models.DisciplineCase, caps Capabilities, hasDescargos bool, text string) error {
	if !caps.CanDecide {
		return forbidden("decide the case")
	}
	if c.Sealed() {
		return sealed()
	}
	if blank(text) {
		return required("decision text")
	}
	if !hasDescargos {
		return appErrors.ErrDescargosRequired
	}
	switch c.Status {
	case models.CaseStatusOpen:
		return nil
	case models.CaseStatusDecided:
		return appErrors.Clone(appErrors.ErrConflict, "case already decided; update the decision instead")
	default:
		return appErrors.Clone(appErrors.ErrConflict, "case is closed")
	}
}

// CheckUpdateDecision guards the DECIDED -> DECIDED amendment.
func (p Policy) CheckUpdateDecision(c *models.DisciplineCase, caps Capabilities, hasDescargos bool, text string) error {
	if !caps.CanDecide {
		return forbidden("update the decision")
	}
	if c.Sealed() {
		return sealed()
	}
	if blank(text) {
		return required("decision text")
	}
	if !hasDescargos {
		return appErrors.ErrDescargosRequired
	}
	if c.Status != models.CaseStatusDecided {
		return appErrors.Clone(appErrors.ErrConflict, "case has no decision to update")
	}
	return nil
}

// CheckClearDecision guards DECIDED -> OPEN.
func (p Policy) CheckClearDecision(c *models.DisciplineCase, caps Capabilities) error {
	if !caps.CanDecide {
		return forbidden("clear the decision")
	}
	if c.Sealed() {
		return sealed()
	}
	if c.Status != models.CaseStatusDecided {
		return appErrors.Clone(appErrors.ErrConflict, "case has no decision to clear")
	}
	return nil
}

// CheckClose guards the transition into CLOSED.
func (p Policy) CheckClose(c *models.DisciplineCase, caps Capabilities) error {
	if !caps.CanDecide {
		return forbidden("close the case")
	}
	if c.Sealed() {
		return sealed()
	}
	if c.Status == models.CaseStatusClosed {
		return appErrors.Clone(appErrors.ErrConflict, "case is already closed")
	}
	return nil
}

// CheckSetDeadline guards setting or clearing the descargos deadline.
func (p Policy) CheckSetDeadline(c *models.DisciplineCase, caps Capabilities, dueAt *time.Time) error {
	if !caps.CanEdit {
		return forbidden("set the descargos deadline")
	}
	if c.Sealed() {
		return sealed()
	}
	if dueAt != nil && dueAt.Before(c.OccurredAt) {
		return appErrors.Clone(appErrors.ErrValidation, "descargos deadline cannot precede the incident")
	}
	return nil
}

// CheckAddNote guards NOTE appends.
func (p Policy) CheckAddNote(c *models.DisciplineCase, caps Capabilities, text string) error {
	if !caps.CanEdit {
		return forbidden("add notes")
	}
	if c.Sealed() && !p.AllowNotesWhenSealed {
		return sealed()
	}
	if blank(text) {
		return required("note text")
	}
	return nil
}

// CheckEventChange guards amending or deleting a log entry.
func (p Policy) CheckEventChange(c *models.DisciplineCase, event models.CaseEvent, actor Actor) error {
	if c.Sealed() {
		return sealed()
	}
	if !CanEditOrDeleteEvent(c, event, actor) {
		return forbidden("change this event")
	}
	return nil
}

// CheckEventDelete adds the decision invariant on top of CheckEventChange:
// the last DESCARGOS entry of a decided case cannot be removed.
func (p Policy) CheckEventDelete(c *models.DisciplineCase, event models.CaseEvent, actor Actor, descargosCount int) error {
	if err := p.CheckEventChange(c, event, actor); err != nil {
		return err
	}
	if event.EventType == models.CaseEventDescargos && descargosCount <= 1 && c.Status != models.CaseStatusOpen {
		return appErrors.Clone(appErrors.ErrConflict, "the decision depends on these descargos")
	}
	return nil
}

// CheckAddParticipant guards participant links.
func (p Policy) CheckAddParticipant(c *models.DisciplineCase, caps Capabilities, studentID string, role models.ParticipantRole) error {
	if !caps.CanEdit {
		return forbidden("add participants")
	}
	if c.Sealed() {
		return sealed()
	}
	if blank(studentID) {
		return required("student")
	}
	if !ValidParticipantRole(role) {
		return appErrors.Clone(appErrors.ErrValidation, "invalid participant role")
	}
	return nil
}

// CheckAddAttachment guards file uploads.
func (p Policy) CheckAddAttachment(c *models.DisciplineCase, caps Capabilities, kind models.AttachmentKind) error {
	if !caps.CanManageAttachments {
		return forbidden("upload attachments")
	}
	if c.Sealed() {
		return sealed()
	}
	if !ValidAttachmentKind(kind) {
		return appErrors.Clone(appErrors.ErrValidation, "invalid attachment kind")
	}
	return nil
}

// CheckNotifyGuardian guards guardian notification attempts.
func (p Policy) CheckNotifyGuardian(c *models.DisciplineCase, caps Capabilities, channel models.NotificationChannel) error {
	if !caps.CanEdit {
		return forbidden("notify the guardian")
	}
	if c.Sealed() {
		return sealed()
	}
	if !ValidChannel(channel) {
		return appErrors.Clone(appErrors.ErrValidation, "invalid notification channel")
	}
	return nil
}

// CheckAcknowledge guards guardian acknowledgements.
func (p Policy) CheckAcknowledge(c *models.DisciplineCase, caps Capabilities, logID string) error {
	if !caps.CanAcknowledge {
		return forbidden("acknowledge notifications")
	}
	if c.Sealed() {
		return sealed()
	}
	if blank(logID) {
		return required("notification log")
	}
	return nil
}

// CheckGenerateSuggestion guards AI suggestion requests.
func (p Policy) CheckGenerateSuggestion(c *models.DisciplineCase, caps Capabilities, hasDescargos bool) error {
	if !caps.CanGenerateSuggestion {
		return forbidden("request decision suggestions")
	}
	if c.Sealed() {
		return sealed()
	}
	if !hasDescargos {
		return appErrors.ErrDescargosRequired
	}
	return nil
}

// CheckReviewSuggestion guards approve/reject/apply. Only the latest
// suggestion is actionable and it must be in the expected status.
func (p Policy) CheckReviewSuggestion(c *models.DisciplineCase, caps Capabilities, s, latest *models.DecisionSuggestion, from models.SuggestionStatus) error {
	if !caps.CanApproveSuggestion {
		return forbidden("review decision suggestions")
	}
	if c.Sealed() {
		return sealed()
	}
	if s == nil {
		return appErrors.ErrNotFound
	}
	if latest == nil || latest.ID != s.ID {
		return appErrors.Clone(appErrors.ErrConflict, "only the latest suggestion can be acted on")
	}
	if s.Status != from {
		return appErrors.Clone(appErrors.ErrConflict, "suggestion is "+string(s.Status))
	}
	return nil
}

// LatestSuggestion picks the most recently created suggestion.
func LatestSuggestion(items []models.DecisionSuggestion) *models.DecisionSuggestion {
	var latest *models.DecisionSuggestion
	for i := range items {
		if latest == nil || items[i].CreatedAt.After(latest.CreatedAt) {
			latest = &items[i]
		}
	}
	return latest
}

// ValidParticipantRole reports whether role is a known participant role.
func ValidParticipantRole(role models.ParticipantRole) bool {
	switch role {
	case models.ParticipantAllegedAggressor, models.ParticipantAllegedVictim, models.ParticipantWitness, models.ParticipantOther:
		return true
	}
	return false
}

// ValidAttachmentKind reports whether kind is a known attachment kind.
func ValidAttachmentKind(kind models.AttachmentKind) bool {
	switch kind {
	case models.AttachmentEvidence, models.AttachmentDescargos, models.AttachmentNotification, models.AttachmentOther:
		return true
	}
	return false
}

// ValidChannel reports whether channel is a known notification channel.
func ValidChannel(channel models.NotificationChannel) bool {
	switch channel {
	case models.ChannelEmail, models.ChannelSMS, models.ChannelPhone, models.ChannelInPerson, models.ChannelLetter:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s models.Severity) bool {
	switch s {
	case models.SeverityMinor, models.SeverityMajor, models.SeverityVeryMajor:
		return true
	}
	return false
}

// ValidLaw1620Type reports whether t is a known Law 1620 classification.
func ValidLaw1620Type(t models.Law1620Type) bool {
	switch t {
	case models.Law1620TypeI, models.Law1620TypeII, models.Law1620TypeIII, models.Law1620TypeUnknown:
		return true
	}
	return false
}
