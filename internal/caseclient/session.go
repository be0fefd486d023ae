package caseclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

var (
	// ErrBusy is returned when the same action is already in flight.
	ErrBusy = errors.New("caseclient: action already in progress")
	// ErrConfirmationRequired guards destructive actions dispatched without
	// explicit confirmation.
	ErrConfirmationRequired = errors.New("caseclient: confirmation required")
	// ErrNotLoaded is returned when an action runs before the first load.
	ErrNotLoaded = errors.New("caseclient: case not loaded")
)

// IdentityLookup returns who is using the session.
type IdentityLookup func(ctx context.Context) (discipline.Actor, error)

// StaticIdentity returns a lookup that always yields actor.
func StaticIdentity(actor discipline.Actor) IdentityLookup {
	return func(context.Context) (discipline.Actor, error) { return actor, nil }
}

// UploadFailure names a file that could not be uploaded.
type UploadFailure struct {
	Name string
	Err  error
}

// UploadResult summarises one evidence batch.
type UploadResult struct {
	Uploaded []models.Attachment
	Failed   []UploadFailure
}

// Session drives one case the way an interactive form does: capabilities are
// resolved once, actions are validated locally before dispatch, one action
// per kind runs at a time and every mutation ends in a full reload.
type Session struct {
	client   *Client
	caseID   string
	identity IdentityLookup
	policy   discipline.Policy
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	actor    discipline.Actor
	caps     discipline.Capabilities
	resolved bool
	detail   *dto.CaseDetail
	busy     map[string]bool
	failed   []File
	retry    dto.AttachmentRequest
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithPolicy overrides the local copy of the rule set.
func WithPolicy(p discipline.Policy) SessionOption {
	return func(s *Session) { s.policy = p }
}

// WithSessionLogger attaches a logger.
func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSession binds a case to the client. Nothing is loaded until Load.
func NewSession(client *Client, caseID string, identity IdentityLookup, opts ...SessionOption) *Session {
	s := &Session{
		client:   client,
		caseID:   caseID,
		identity: identity,
		policy:   discipline.DefaultPolicy(),
		logger:   client.logger,
		now:      func() time.Time { return time.Now().UTC() },
		caps:     discipline.FailClosed(),
		busy:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load resolves the capabilities if that has not succeeded yet and fetches
// the authoritative case state. Until the identity lookup succeeds the
// session holds the fail-closed capability set.
func (s *Session) Load(ctx context.Context) (*dto.CaseDetail, error) {
	s.resolveCapabilities(ctx)
	return s.reload(ctx)
}

func (s *Session) resolveCapabilities(ctx context.Context) {
	s.mu.Lock()
	done := s.resolved
	s.mu.Unlock()
	if done || s.identity == nil {
		return
	}
	actor, err := s.identity(ctx)
	if err != nil || actor.ID == "" {
		s.logger.Warn("identity lookup failed; capabilities stay closed", zap.Error(err))
		return
	}
	caps := actor.Capabilities()
	s.mu.Lock()
	s.actor, s.caps, s.resolved = actor, caps, true
	s.mu.Unlock()
}

func (s *Session) reload(ctx context.Context) (*dto.CaseDetail, error) {
	detail, err := s.client.GetCase(ctx, s.caseID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.detail = detail
	s.mu.Unlock()
	return detail, nil
}

// Capabilities returns the resolved capability set.
func (s *Session) Capabilities() discipline.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Detail returns the last loaded state.
func (s *Session) Detail() *dto.CaseDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detail
}

// Busy reports whether action is in flight.
func (s *Session) Busy(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[action]
}

// DescargosOverdue derives the overdue flag from the loaded state.
func (s *Session) DescargosOverdue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detail == nil {
		return false
	}
	return discipline.DescargosOverdue(&s.detail.Case, s.detail.HasDescargos, s.now())
}

// CanEditOrDeleteEvent evaluates the shared predicate for one event.
func (s *Session) CanEditOrDeleteEvent(event models.CaseEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detail == nil || !s.resolved {
		return false
	}
	return discipline.CanEditOrDeleteEvent(&s.detail.Case, event, s.actor)
}

type snapshot struct {
	c            *models.DisciplineCase
	events       []models.CaseEvent
	suggestions  []models.DecisionSuggestion
	hasDescargos bool
	caps         discipline.Capabilities
	actor        discipline.Actor
}

// begin marks action busy and hands out a copy of the loaded state.
func (s *Session) begin(action string) (*snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[action] {
		return nil, ErrBusy
	}
	if s.detail == nil {
		return nil, ErrNotLoaded
	}
	s.busy[action] = true
	c := s.detail.Case
	return &snapshot{
		c:            &c,
		events:       append([]models.CaseEvent(nil), s.detail.Events...),
		suggestions:  append([]models.DecisionSuggestion(nil), s.detail.Suggestions...),
		hasDescargos: s.detail.HasDescargos,
		caps:         s.caps,
		actor:        s.actor,
	}, nil
}

func (s *Session) end(action string) {
	s.mu.Lock()
	delete(s.busy, action)
	s.mu.Unlock()
}

// run validates, dispatches and reloads. The reload happens whether or not
// the dispatch succeeded so the view never keeps a stale optimistic state.
func (s *Session) run(ctx context.Context, action string, check func(*snapshot) error, dispatch func() error) (*dto.CaseDetail, error) {
	snap, err := s.begin(action)
	if err != nil {
		return nil, err
	}
	defer s.end(action)
	if err := check(snap); err != nil {
		return nil, err
	}
	dispatchErr := dispatch()
	detail, reloadErr := s.reload(ctx)
	if dispatchErr != nil {
		if reloadErr != nil {
			s.logger.Warn("reload after failed action", zap.String("action", action), zap.Error(reloadErr))
		}
		return detail, dispatchErr
	}
	return detail, reloadErr
}

// RecordDescargos submits the student's rebuttal.
func (s *Session) RecordDescargos(ctx context.Context, text string, file *File) (*dto.CaseDetail, error) {
	return s.run(ctx, "descargos", func(st *snapshot) error {
		if err := s.policy.CheckRecordDescargos(st.c, st.caps, text); err != nil {
			return err
		}
		if file != nil {
			return s.policy.CheckAddAttachment(st.c, st.caps, models.AttachmentDescargos)
		}
		return nil
	}, func() error {
		_, err := s.client.RecordDescargos(ctx, s.caseID, text, file)
		return err
	})
}

// Decide records the decision.
func (s *Session) Decide(ctx context.Context, text string) (*dto.CaseDetail, error) {
	return s.run(ctx, "decision", func(st *snapshot) error {
		return s.policy.CheckDecide(st.c, st.caps, st.hasDescargos, text)
	}, func() error {
		_, err := s.client.Decide(ctx, s.caseID, text)
		return err
	})
}

// UpdateDecision replaces the decision text.
func (s *Session) UpdateDecision(ctx context.Context, text string) (*dto.CaseDetail, error) {
	return s.run(ctx, "decision", func(st *snapshot) error {
		return s.policy.CheckUpdateDecision(st.c, st.caps, st.hasDescargos, text)
	}, func() error {
		_, err := s.client.UpdateDecision(ctx, s.caseID, text)
		return err
	})
}

// ClearDecision withdraws the decision. confirmed must be true.
func (s *Session) ClearDecision(ctx context.Context, confirmed bool) (*dto.CaseDetail, error) {
	return s.run(ctx, "decision", func(st *snapshot) error {
		if err := s.policy.CheckClearDecision(st.c, st.caps); err != nil {
			return err
		}
		if !confirmed {
			return ErrConfirmationRequired
		}
		return nil
	}, func() error {
		_, err := s.client.ClearDecision(ctx, s.caseID)
		return err
	})
}

// Close closes the case.
func (s *Session) Close(ctx context.Context) (*dto.CaseDetail, error) {
	return s.run(ctx, "close", func(st *snapshot) error {
		return s.policy.CheckClose(st.c, st.caps)
	}, func() error {
		_, err := s.client.CloseCase(ctx, s.caseID)
		return err
	})
}

// SetDescargosDeadline sets or clears the deadline.
func (s *Session) SetDescargosDeadline(ctx context.Context, dueAt *time.Time) (*dto.CaseDetail, error) {
	return s.run(ctx, "deadline", func(st *snapshot) error {
		return s.policy.CheckSetDeadline(st.c, st.caps, dueAt)
	}, func() error {
		_, err := s.client.SetDescargosDeadline(ctx, s.caseID, dueAt)
		return err
	})
}

// AddNote appends a note.
func (s *Session) AddNote(ctx context.Context, text string) (*dto.CaseDetail, error) {
	return s.run(ctx, "note", func(st *snapshot) error {
		return s.policy.CheckAddNote(st.c, st.caps, text)
	}, func() error {
		_, err := s.client.AddNote(ctx, s.caseID, text)
		return err
	})
}

func findEvent(events []models.CaseEvent, id string) (*models.CaseEvent, error) {
	for i := range events {
		if events[i].ID == id {
			return &events[i], nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
}

// UpdateEvent amends a NOTE or DESCARGOS entry.
func (s *Session) UpdateEvent(ctx context.Context, eventID, text string) (*dto.CaseDetail, error) {
	return s.run(ctx, "event:"+eventID, func(st *snapshot) error {
		event, err := findEvent(st.events, eventID)
		if err != nil {
			return err
		}
		if err := s.policy.CheckEventChange(st.c, *event, st.actor); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "text is required")
		}
		return nil
	}, func() error {
		_, err := s.client.UpdateEvent(ctx, s.caseID, eventID, text)
		return err
	})
}

// DeleteEvent removes a NOTE or DESCARGOS entry.
func (s *Session) DeleteEvent(ctx context.Context, eventID string) (*dto.CaseDetail, error) {
	return s.run(ctx, "event:"+eventID, func(st *snapshot) error {
		event, err := findEvent(st.events, eventID)
		if err != nil {
			return err
		}
		return s.policy.CheckEventDelete(st.c, *event, st.actor, discipline.CountDescargos(st.events))
	}, func() error {
		_, err := s.client.DeleteEvent(ctx, s.caseID, eventID)
		return err
	})
}

// AddParticipant links a student.
func (s *Session) AddParticipant(ctx context.Context, req dto.AddParticipantRequest) (*dto.CaseDetail, error) {
	return s.run(ctx, "participant", func(st *snapshot) error {
		return s.policy.CheckAddParticipant(st.c, st.caps, req.StudentID, req.Role)
	}, func() error {
		_, err := s.client.AddParticipant(ctx, s.caseID, req)
		return err
	})
}

// NotifyGuardian logs a guardian notification.
func (s *Session) NotifyGuardian(ctx context.Context, req dto.NotifyGuardianRequest) (*dto.CaseDetail, error) {
	return s.run(ctx, "notify", func(st *snapshot) error {
		return s.policy.CheckNotifyGuardian(st.c, st.caps, req.Channel)
	}, func() error {
		_, err := s.client.NotifyGuardian(ctx, s.caseID, req)
		return err
	})
}

// AcknowledgeGuardian acknowledges a notification log.
func (s *Session) AcknowledgeGuardian(ctx context.Context, req dto.AcknowledgeRequest) (*dto.CaseDetail, error) {
	return s.run(ctx, "acknowledge", func(st *snapshot) error {
		return s.policy.CheckAcknowledge(st.c, st.caps, req.LogID)
	}, func() error {
		_, err := s.client.AcknowledgeGuardian(ctx, s.caseID, req)
		return err
	})
}

// GenerateSuggestion requests a decision proposal.
func (s *Session) GenerateSuggestion(ctx context.Context) (*dto.CaseDetail, error) {
	return s.run(ctx, "suggestion", func(st *snapshot) error {
		return s.policy.CheckGenerateSuggestion(st.c, st.caps, st.hasDescargos)
	}, func() error {
		_, err := s.client.GenerateSuggestion(ctx, s.caseID)
		return err
	})
}

func (s *Session) reviewSuggestion(ctx context.Context, suggestionID string, from models.SuggestionStatus, dispatch func() error) (*dto.CaseDetail, error) {
	return s.run(ctx, "suggestion", func(st *snapshot) error {
		latest := discipline.LatestSuggestion(st.suggestions)
		var target *models.DecisionSuggestion
		for i := range st.suggestions {
			if st.suggestions[i].ID == suggestionID {
				target = &st.suggestions[i]
			}
		}
		if target == nil {
			return appErrors.Clone(appErrors.ErrNotFound, "suggestion not found")
		}
		return s.policy.CheckReviewSuggestion(st.c, st.caps, target, latest, from)
	}, dispatch)
}

// ApproveSuggestion approves the latest draft.
func (s *Session) ApproveSuggestion(ctx context.Context, suggestionID string) (*dto.CaseDetail, error) {
	return s.reviewSuggestion(ctx, suggestionID, models.SuggestionDraft, func() error {
		_, err := s.client.ApproveSuggestion(ctx, s.caseID, suggestionID)
		return err
	})
}

// RejectSuggestion rejects the latest draft.
func (s *Session) RejectSuggestion(ctx context.Context, suggestionID string) (*dto.CaseDetail, error) {
	return s.reviewSuggestion(ctx, suggestionID, models.SuggestionDraft, func() error {
		_, err := s.client.RejectSuggestion(ctx, s.caseID, suggestionID)
		return err
	})
}

// ApplySuggestion writes the approved suggestion as the decision.
func (s *Session) ApplySuggestion(ctx context.Context, suggestionID string) (*dto.CaseDetail, error) {
	return s.reviewSuggestion(ctx, suggestionID, models.SuggestionApproved, func() error {
		_, err := s.client.ApplySuggestion(ctx, s.caseID, suggestionID)
		return err
	})
}

// UploadEvidence uploads files one after another. A failing file does not
// stop the batch; failures are kept for RetryFailed. The case is reloaded
// once after the batch.
func (s *Session) UploadEvidence(ctx context.Context, kind models.AttachmentKind, description string, files []File) (*UploadResult, error) {
	return s.upload(ctx, dto.AttachmentRequest{Kind: kind, Description: description}, files)
}

// RetryFailed re-uploads exactly the files that failed last time.
func (s *Session) RetryFailed(ctx context.Context) (*UploadResult, error) {
	s.mu.Lock()
	files := append([]File(nil), s.failed...)
	meta := s.retry
	s.mu.Unlock()
	if len(files) == 0 {
		return &UploadResult{}, nil
	}
	return s.upload(ctx, meta, files)
}

// Failures lists the names of files awaiting retry.
func (s *Session) Failures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.failed))
	for i, f := range s.failed {
		names[i] = f.Name
	}
	return names
}

// DismissFailures forgets the failed files without retrying.
func (s *Session) DismissFailures() {
	s.mu.Lock()
	s.failed = nil
	s.mu.Unlock()
}

func (s *Session) upload(ctx context.Context, meta dto.AttachmentRequest, files []File) (*UploadResult, error) {
	snap, err := s.begin("upload")
	if err != nil {
		return nil, err
	}
	defer s.end("upload")

	if err := s.policy.CheckAddAttachment(snap.c, snap.caps, meta.Kind); err != nil {
		return nil, err
	}

	known := map[string]struct{}{}
	s.mu.Lock()
	for _, a := range s.detail.Attachments {
		known[a.ID] = struct{}{}
	}
	s.mu.Unlock()

	result := &UploadResult{}
	var failed []File
	for _, file := range files {
		detail, err := s.client.UploadAttachment(ctx, s.caseID, meta, file)
		if err != nil {
			s.logger.Warn("evidence upload failed", zap.String("case_id", s.caseID), zap.String("file", file.Name), zap.Error(err))
			result.Failed = append(result.Failed, UploadFailure{Name: file.Name, Err: err})
			failed = append(failed, file)
			continue
		}
		for _, a := range detail.Attachments {
			if _, seen := known[a.ID]; !seen {
				known[a.ID] = struct{}{}
				result.Uploaded = append(result.Uploaded, a)
			}
		}
	}

	s.mu.Lock()
	s.failed, s.retry = failed, meta
	s.mu.Unlock()

	if _, err := s.reload(ctx); err != nil {
		return result, err
	}
	return result, nil
}
