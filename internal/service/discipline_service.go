package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
	"github.com/noah-isme/sma-discipline-api/pkg/tracing"
)

const tracerName = "github.com/noah-isme/sma-discipline-api/internal/service"

type caseStore interface {
	Create(ctx context.Context, c *models.DisciplineCase, created *models.CaseEvent) error
	GetByID(ctx context.Context, id string) (*models.DisciplineCase, error)
	List(ctx context.Context, filter models.DisciplineCaseFilter) ([]models.DisciplineCase, int, error)
	ApplyTransition(ctx context.Context, params repository.TransitionParams) error
	UpdateDeadline(ctx context.Context, caseID string, dueAt *time.Time) error

	ListEvents(ctx context.Context, caseID string) ([]models.CaseEvent, error)
	GetEvent(ctx context.Context, caseID, eventID string) (*models.CaseEvent, error)
	AppendEvent(ctx context.Context, event *models.CaseEvent, allowSealed bool) error
	UpdateEventText(ctx context.Context, caseID, eventID, text string) error
	DeleteEvent(ctx context.Context, caseID, eventID string) error

	ListParticipants(ctx context.Context, caseID string) ([]models.Participant, error)
	ParticipantExists(ctx context.Context, caseID, studentID string, role models.ParticipantRole) (bool, error)
	AddParticipant(ctx context.Context, p *models.Participant) error

	ListAttachments(ctx context.Context, caseID string) ([]models.Attachment, error)
	GetAttachment(ctx context.Context, caseID, attachmentID string) (*models.Attachment, error)
	AddAttachment(ctx context.Context, a *models.Attachment, event *models.CaseEvent) error

	ListNotificationLogs(ctx context.Context, caseID string) ([]models.NotificationLog, error)
	GetNotificationLog(ctx context.Context, caseID, logID string) (*models.NotificationLog, error)
	AddNotificationLog(ctx context.Context, log *models.NotificationLog, event *models.CaseEvent) error
	AcknowledgeNotification(ctx context.Context, caseID, logID string, at time.Time, note *string, by string) error

	ListSuggestions(ctx context.Context, caseID string) ([]models.DecisionSuggestion, error)
	CreateSuggestion(ctx context.Context, s *models.DecisionSuggestion) error
	UpdateSuggestionStatus(ctx context.Context, caseID, suggestionID string, from, to models.SuggestionStatus, reviewer string) error
}

type studentDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	Search(ctx context.Context, term string, limit int) ([]dto.StudentSearchResult, error)
}

type sealScheduler interface {
	ScheduleSeal(caseID string) error
}

// DisciplineService runs the case workflow. Every mutation evaluates the
// shared guards, performs a conditional write and returns the reloaded case.
type DisciplineService struct {
	repo      caseStore
	students  studentDirectory
	policy    discipline.Policy
	validator *validator.Validate
	logger    *zap.Logger

	cache    *CacheService
	metrics  *MetricsService
	sealer   sealScheduler
	notifier GuardianNotifier
	ai       SuggestionEngine
	manuals  policyManualStore
	files    *attachmentSupport
	now      func() time.Time
}

// DisciplineServiceOption configures the service.
type DisciplineServiceOption func(*DisciplineService)

// WithCasePolicy overrides the default rule configuration.
func WithCasePolicy(policy discipline.Policy) DisciplineServiceOption {
	return func(s *DisciplineService) {
		s.policy = policy
	}
}

// WithCaseCache enables the case detail cache.
func WithCaseCache(cache *CacheService) DisciplineServiceOption {
	return func(s *DisciplineService) {
		s.cache = cache
	}
}

// WithCaseMetrics records workflow metrics.
func WithCaseMetrics(metrics *MetricsService) DisciplineServiceOption {
	return func(s *DisciplineService) {
		s.metrics = metrics
	}
}

// WithSealScheduler registers the component that seals closed cases.
func WithSealScheduler(sealer sealScheduler) DisciplineServiceOption {
	return func(s *DisciplineService) {
		if sealer != nil {
			s.sealer = sealer
		}
	}
}

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) DisciplineServiceOption {
	return func(s *DisciplineService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewDisciplineService constructs the service with defaults.
func NewDisciplineService(repo caseStore, students studentDirectory, validate *validator.Validate, logger *zap.Logger, opts ...DisciplineServiceOption) *DisciplineService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	registerDisciplineValidations(validate)
	svc := &DisciplineService{
		repo:      repo,
		students:  students,
		policy:    discipline.DefaultPolicy(),
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

func registerDisciplineValidations(v *validator.Validate) {
	_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return discipline.ValidSeverity(models.Severity(fl.Field().String()))
	})
	_ = v.RegisterValidation("law1620", func(fl validator.FieldLevel) bool {
		return discipline.ValidLaw1620Type(models.Law1620Type(fl.Field().String()))
	})
	_ = v.RegisterValidation("participant_role", func(fl validator.FieldLevel) bool {
		return discipline.ValidParticipantRole(models.ParticipantRole(fl.Field().String()))
	})
	_ = v.RegisterValidation("attachment_kind", func(fl validator.FieldLevel) bool {
		return discipline.ValidAttachmentKind(models.AttachmentKind(fl.Field().String()))
	})
	_ = v.RegisterValidation("notify_channel", func(fl validator.FieldLevel) bool {
		return discipline.ValidChannel(models.NotificationChannel(fl.Field().String()))
	})
}

// caseState is what the guards see before a mutation.
type caseState struct {
	c      *models.DisciplineCase
	events []models.CaseEvent
	actor  discipline.Actor
	caps   discipline.Capabilities
}

func (st *caseState) hasDescargos() bool {
	return discipline.HasDescargos(st.events)
}

func caseCacheKey(caseID string) string {
	return "discipline:case:" + caseID
}

// Create registers a new incident in OPEN status.
func (s *DisciplineService) Create(ctx context.Context, actor discipline.Actor, req dto.CreateCaseRequest) (*dto.CaseDetail, error) {
	if !actor.Capabilities().CanEdit {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to open cases")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Invalid(err, "invalid payload")
	}
	narrative := strings.TrimSpace(req.Narrative)
	if narrative == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "narrative is required")
	}
	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	c := &models.DisciplineCase{
		StudentID:      req.StudentID,
		Narrative:      narrative,
		OccurredAt:     req.OccurredAt.UTC(),
		Location:       strings.TrimSpace(req.Location),
		ManualSeverity: req.ManualSeverity,
		Law1620Type:    req.Law1620Type,
		Status:         models.CaseStatusOpen,
		CreatedBy:      actor.ID,
	}
	created := &models.CaseEvent{EventType: models.CaseEventCreated, Text: "Case opened", CreatedBy: actor.ID}
	if err := s.repo.Create(ctx, c, created); err != nil {
		return nil, s.fail("create", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create case"))
	}
	s.metrics.RecordCaseAction("create", "ok")
	s.logger.Info("discipline case opened", zap.String("case_id", c.ID), zap.String("student_id", c.StudentID), zap.String("by", actor.ID))
	return s.Get(ctx, actor, c.ID)
}

// List returns cases visible to the actor.
func (s *DisciplineService) List(ctx context.Context, actor discipline.Actor, query dto.CaseQuery) ([]models.DisciplineCase, *models.Pagination, error) {
	if !actor.Capabilities().CanView {
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to view cases")
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	size := query.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	cases, total, err := s.repo.List(ctx, models.DisciplineCaseFilter{
		Status:    query.Status,
		StudentID: query.StudentID,
		Sealed:    query.Sealed,
		Page:      page,
		PageSize:  size,
	})
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list cases")
	}
	return cases, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns the authoritative case aggregate decorated for the actor.
func (s *DisciplineService) Get(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error) {
	caps := actor.Capabilities()
	if !caps.CanView {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to view cases")
	}
	detail, err := s.aggregate(ctx, caseID)
	if err != nil {
		return nil, err
	}
	s.decorate(detail, caps)
	return detail, nil
}

func (s *DisciplineService) aggregate(ctx context.Context, caseID string) (*dto.CaseDetail, error) {
	key := caseCacheKey(caseID)
	var cached dto.CaseDetail
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}
	version, cacheable := s.cache.Version(ctx, key)
	c, err := s.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	detail := &dto.CaseDetail{Case: *c}
	if detail.Events, err = s.repo.ListEvents(ctx, caseID); err != nil {
		return nil, internal("load case events", err)
	}
	if detail.Participants, err = s.repo.ListParticipants(ctx, caseID); err != nil {
		return nil, internal("load participants", err)
	}
	if detail.Attachments, err = s.repo.ListAttachments(ctx, caseID); err != nil {
		return nil, internal("load attachments", err)
	}
	if detail.NotificationLogs, err = s.repo.ListNotificationLogs(ctx, caseID); err != nil {
		return nil, internal("load notification logs", err)
	}
	if detail.Suggestions, err = s.repo.ListSuggestions(ctx, caseID); err != nil {
		return nil, internal("load suggestions", err)
	}
	detail.HasDescargos = discipline.HasDescargos(detail.Events)
	if cacheable {
		s.cache.SetIfVersion(ctx, key, version, detail)
	}
	return detail, nil
}

// decorate fills the caller and time dependent parts of the aggregate.
func (s *DisciplineService) decorate(detail *dto.CaseDetail, caps discipline.Capabilities) {
	detail.Capabilities = caps
	detail.Case.DescargosOverdue = discipline.DescargosOverdue(&detail.Case, detail.HasDescargos, s.now())
	detail.LatestSuggestion = discipline.LatestSuggestion(detail.Suggestions)
	ensureSlices(detail)
	s.files.link(detail)
}

func ensureSlices(detail *dto.CaseDetail) {
	if detail.Events == nil {
		detail.Events = []models.CaseEvent{}
	}
	if detail.Participants == nil {
		detail.Participants = []models.Participant{}
	}
	if detail.Attachments == nil {
		detail.Attachments = []models.Attachment{}
	}
	if detail.NotificationLogs == nil {
		detail.NotificationLogs = []models.NotificationLog{}
	}
	if detail.Suggestions == nil {
		detail.Suggestions = []models.DecisionSuggestion{}
	}
}

func (s *DisciplineService) loadCase(ctx context.Context, caseID string) (*models.DisciplineCase, error) {
	c, err := s.repo.GetByID(ctx, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, internal("load case", err)
	}
	return c, nil
}

func (s *DisciplineService) loadState(ctx context.Context, actor discipline.Actor, caseID string) (*caseState, error) {
	c, err := s.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.ListEvents(ctx, caseID)
	if err != nil {
		return nil, internal("load case events", err)
	}
	return &caseState{c: c, events: events, actor: actor, caps: actor.Capabilities()}, nil
}

// mutate loads the current state, runs fn and returns the reloaded case.
func (s *DisciplineService) mutate(ctx context.Context, actor discipline.Actor, caseID, action string, fn func(*caseState) error) (*dto.CaseDetail, error) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "discipline."+action, trace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	st, err := s.loadState(ctx, actor, caseID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, s.fail(action, err)
	}
	if err := fn(st); err != nil {
		// fn may have written part of its work before failing.
		s.cache.Invalidate(ctx, caseCacheKey(caseID))
		span.SetStatus(codes.Error, err.Error())
		return nil, s.fail(action, err)
	}
	s.cache.Invalidate(ctx, caseCacheKey(caseID))
	s.metrics.RecordCaseAction(action, "ok")
	return s.Get(ctx, actor, caseID)
}

// fail normalises err and records the outcome.
func (s *DisciplineService) fail(action string, err error) error {
	var appErr *appErrors.Error
	switch {
	case errors.As(err, &appErr):
	case errors.Is(err, sql.ErrNoRows):
		appErr = appErrors.Clone(appErrors.ErrConflict, "case changed while the action was processed; reload and retry")
	default:
		appErr = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to "+action)
	}
	if appErr.Status >= 500 {
		s.logger.Error("case action failed", zap.String("action", action), zap.Error(err))
	}
	s.metrics.RecordCaseAction(action, appErr.Code)
	return appErr
}

func internal(op string, err error) error {
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to "+op)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// RecordDescargos appends the student's rebuttal, optionally with a file.
func (s *DisciplineService) RecordDescargos(ctx context.Context, actor discipline.Actor, caseID, text string, file *UploadFile) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "descargos", func(st *caseState) error {
		if err := s.policy.CheckRecordDescargos(st.c, st.caps, text); err != nil {
			return err
		}
		event := &models.CaseEvent{
			CaseID:    caseID,
			EventType: models.CaseEventDescargos,
			Text:      strings.TrimSpace(text),
			CreatedBy: actor.ID,
		}
		if file == nil {
			return s.repo.AppendEvent(ctx, event, false)
		}
		if err := s.policy.CheckAddAttachment(st.c, st.caps, models.AttachmentDescargos); err != nil {
			return err
		}
		_, err := s.storeAttachment(ctx, st, models.AttachmentDescargos, "Descargos", *file, event)
		return err
	})
}

// Decide moves an OPEN case with descargos to DECIDED.
func (s *DisciplineService) Decide(ctx context.Context, actor discipline.Actor, caseID, text string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "decide", func(st *caseState) error {
		if err := s.policy.CheckDecide(st.c, st.caps, st.hasDescargos(), text); err != nil {
			return err
		}
		return s.writeDecision(ctx, st, models.CaseStatusOpen, text)
	})
}

// UpdateDecision amends the decision text of a DECIDED case.
func (s *DisciplineService) UpdateDecision(ctx context.Context, actor discipline.Actor, caseID, text string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "update_decision", func(st *caseState) error {
		if err := s.policy.CheckUpdateDecision(st.c, st.caps, st.hasDescargos(), text); err != nil {
			return err
		}
		return s.writeDecision(ctx, st, models.CaseStatusDecided, text)
	})
}

func (s *DisciplineService) writeDecision(ctx context.Context, st *caseState, from models.CaseStatus, text string) error {
	text = strings.TrimSpace(text)
	now := s.now()
	return s.repo.ApplyTransition(ctx, repository.TransitionParams{
		CaseID:           st.c.ID,
		From:             []models.CaseStatus{from},
		To:               models.CaseStatusDecided,
		DecisionText:     &text,
		DecidedAt:        &now,
		RequireDescargos: true,
		Event:            &models.CaseEvent{EventType: models.CaseEventDecision, Text: text, CreatedBy: st.actor.ID},
	})
}

// ClearDecision returns a DECIDED case to OPEN and removes the decision.
func (s *DisciplineService) ClearDecision(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "clear_decision", func(st *caseState) error {
		if err := s.policy.CheckClearDecision(st.c, st.caps); err != nil {
			return err
		}
		return s.repo.ApplyTransition(ctx, repository.TransitionParams{
			CaseID:        caseID,
			From:          []models.CaseStatus{models.CaseStatusDecided},
			To:            models.CaseStatusOpen,
			ClearDecision: true,
		})
	})
}

// Close moves the case to CLOSED and schedules sealing.
func (s *DisciplineService) Close(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "close", func(st *caseState) error {
		if err := s.policy.CheckClose(st.c, st.caps); err != nil {
			return err
		}
		err := s.repo.ApplyTransition(ctx, repository.TransitionParams{
			CaseID: caseID,
			From:   []models.CaseStatus{models.CaseStatusOpen, models.CaseStatusDecided},
			To:     models.CaseStatusClosed,
			Event:  &models.CaseEvent{EventType: models.CaseEventClosed, Text: "Case closed", CreatedBy: actor.ID},
		})
		if err != nil {
			return err
		}
		if s.sealer != nil {
			if err := s.sealer.ScheduleSeal(caseID); err != nil {
				s.logger.Warn("seal not scheduled; startup recovery will pick it up", zap.String("case_id", caseID), zap.Error(err))
			}
		}
		return nil
	})
}

// SetDescargosDeadline sets or clears the rebuttal deadline.
func (s *DisciplineService) SetDescargosDeadline(ctx context.Context, actor discipline.Actor, caseID string, dueAt *time.Time) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "descargos_deadline", func(st *caseState) error {
		if err := s.policy.CheckSetDeadline(st.c, st.caps, dueAt); err != nil {
			return err
		}
		if dueAt != nil {
			utc := dueAt.UTC()
			dueAt = &utc
		}
		return s.repo.UpdateDeadline(ctx, caseID, dueAt)
	})
}

// AddNote appends a clarifying note.
func (s *DisciplineService) AddNote(ctx context.Context, actor discipline.Actor, caseID, text string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "note", func(st *caseState) error {
		if err := s.policy.CheckAddNote(st.c, st.caps, text); err != nil {
			return err
		}
		return s.repo.AppendEvent(ctx, &models.CaseEvent{
			CaseID:    caseID,
			EventType: models.CaseEventNote,
			Text:      strings.TrimSpace(text),
			CreatedBy: actor.ID,
		}, s.policy.AllowNotesWhenSealed)
	})
}

// UpdateEvent amends the text of a NOTE or DESCARGOS entry.
func (s *DisciplineService) UpdateEvent(ctx context.Context, actor discipline.Actor, caseID, eventID, text string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "update_event", func(st *caseState) error {
		event, err := s.findEvent(ctx, caseID, eventID)
		if err != nil {
			return err
		}
		if err := s.policy.CheckEventChange(st.c, *event, actor); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return appErrors.Clone(appErrors.ErrValidation, "event text is required")
		}
		return s.repo.UpdateEventText(ctx, caseID, eventID, strings.TrimSpace(text))
	})
}

// DeleteEvent removes a NOTE or DESCARGOS entry.
func (s *DisciplineService) DeleteEvent(ctx context.Context, actor discipline.Actor, caseID, eventID string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "delete_event", func(st *caseState) error {
		event, err := s.findEvent(ctx, caseID, eventID)
		if err != nil {
			return err
		}
		if err := s.policy.CheckEventDelete(st.c, *event, actor, discipline.CountDescargos(st.events)); err != nil {
			return err
		}
		return s.repo.DeleteEvent(ctx, caseID, eventID)
	})
}

// findEvent reads the entry straight from the store so authorship and type
// checks never run against a log row from another case.
func (s *DisciplineService) findEvent(ctx context.Context, caseID, eventID string) (*models.CaseEvent, error) {
	event, err := s.repo.GetEvent(ctx, caseID, eventID)
	switch {
	case err == nil:
		return event, nil
	case isNoRows(err):
		return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
	default:
		return nil, internal("load case event", err)
	}
}

// AddParticipant links a student to the case.
func (s *DisciplineService) AddParticipant(ctx context.Context, actor discipline.Actor, caseID string, req dto.AddParticipantRequest) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "participant", func(st *caseState) error {
		if err := s.policy.CheckAddParticipant(st.c, st.caps, req.StudentID, req.Role); err != nil {
			return err
		}
		if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrValidation, "student not found")
			}
			return internal("load student", err)
		}
		exists, err := s.repo.ParticipantExists(ctx, caseID, req.StudentID, req.Role)
		if err != nil {
			return err
		}
		if exists {
			return appErrors.Clone(appErrors.ErrConflict, "student already participates with this role")
		}
		p := &models.Participant{CaseID: caseID, StudentID: req.StudentID, Role: req.Role}
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			p.Notes = &notes
		}
		return s.repo.AddParticipant(ctx, p)
	})
}

// SearchStudents feeds the participant picker.
func (s *DisciplineService) SearchStudents(ctx context.Context, actor discipline.Actor, term string, limit int) ([]dto.StudentSearchResult, error) {
	if !actor.Capabilities().CanEdit {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to search students")
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return []dto.StudentSearchResult{}, nil
	}
	results, err := s.students.Search(ctx, term, limit)
	if err != nil {
		return nil, internal("search students", err)
	}
	if results == nil {
		results = []dto.StudentSearchResult{}
	}
	return results, nil
}
