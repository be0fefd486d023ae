package service

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
	"github.com/noah-isme/sma-discipline-api/pkg/storage"
)

var (
	adminActor       = discipline.Actor{ID: "admin-1", Role: models.RoleAdmin}
	coordinatorActor = discipline.Actor{ID: "coord-1", Role: models.RoleCoordinator}
	teacherActor     = discipline.Actor{ID: "teacher-1", Role: models.RoleTeacher}
	otherTeacher     = discipline.Actor{ID: "teacher-2", Role: models.RoleTeacher}
	parentActor      = discipline.Actor{ID: "parent-1", Role: models.RoleParent}

	fixedNow   = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	pngPayload = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 64)...)
)

type fixture struct {
	svc      *DisciplineService
	store    *memoryCaseStore
	notifier *notifierStub
	engine   *engineStub
	signer   *storage.SignedURLSigner
	fileDir  string
}

func newFixture(t *testing.T, opts ...DisciplineServiceOption) *fixture {
	t.Helper()
	store := newMemoryCaseStore()
	students := studentStub{
		"student-1": {ID: "student-1", NIS: "1001", FullName: "Ana Gómez", Phone: "+573001112233", Active: true},
		"student-2": {ID: "student-2", NIS: "1002", FullName: "Luis Pérez", Active: true},
	}
	fileDir := t.TempDir()
	files, err := storage.NewLocalStorage(fileDir)
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	notifier := &notifierStub{}
	engine := &engineStub{result: &SuggestionResult{DecisionText: "Suspensión de 2 días", Quotes: []string{"agresiones físicas"}}}
	manual := &models.PolicyManual{ID: "manual-1", Title: "Manual de convivencia", Body: "Artículo 12. Las agresiones físicas se sancionan con suspensión.", Active: true}
	seals := NewSealService(store, nil, nil, zap.NewNop(), 0)

	base := []DisciplineServiceOption{
		WithClock(func() time.Time { return fixedNow }),
		WithCaseMetrics(NewMetricsService()),
		WithSealScheduler(seals),
		WithGuardianNotifier(notifier),
		WithSuggestionEngine(engine, manualStub{manual: manual}),
		WithAttachments(files, signer, AttachmentOptions{
			MaxFileSize:  1024,
			AllowedMIME:  []string{"image/png", "application/pdf"},
			DownloadBase: "/api/v1",
		}),
	}
	svc := NewDisciplineService(store, students, validator.New(), zap.NewNop(), append(base, opts...)...)
	return &fixture{svc: svc, store: store, notifier: notifier, engine: engine, signer: signer, fileDir: fileDir}
}

func codeOf(err error) string {
	return appErrors.FromError(err).Code
}

func (f *fixture) open(t *testing.T) *dto.CaseDetail {
	t.Helper()
	detail, err := f.svc.Create(context.Background(), teacherActor, dto.CreateCaseRequest{
		StudentID:      "student-1",
		Narrative:      "Pelea en el patio durante el descanso.",
		OccurredAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Location:       "Patio",
		ManualSeverity: models.SeverityMajor,
	})
	require.NoError(t, err)
	return detail
}

func (f *fixture) withDescargos(t *testing.T) *dto.CaseDetail {
	t.Helper()
	detail := f.open(t)
	detail, err := f.svc.RecordDescargos(context.Background(), teacherActor, detail.Case.ID, "Mi versión de los hechos", nil)
	require.NoError(t, err)
	return detail
}

func TestCreateCase(t *testing.T) {
	f := newFixture(t)
	detail := f.open(t)

	assert.Equal(t, models.CaseStatusOpen, detail.Case.Status)
	assert.Equal(t, models.Law1620TypeUnknown, detail.Case.Law1620Type)
	require.Len(t, detail.Events, 1)
	assert.Equal(t, models.CaseEventCreated, detail.Events[0].EventType)
	assert.True(t, detail.Capabilities.CanEdit)
	assert.False(t, detail.Capabilities.CanDecide)
	assert.NotNil(t, detail.Participants)

	_, err := f.svc.Create(context.Background(), parentActor, dto.CreateCaseRequest{})
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))

	_, err = f.svc.Create(context.Background(), teacherActor, dto.CreateCaseRequest{
		StudentID:      "ghost",
		Narrative:      "x",
		OccurredAt:     fixedNow,
		ManualSeverity: models.SeverityMinor,
	})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	_, err = f.svc.Create(context.Background(), teacherActor, dto.CreateCaseRequest{
		StudentID:      "student-1",
		Narrative:      "x",
		OccurredAt:     fixedNow,
		ManualSeverity: "CATASTROPHIC",
	})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))
}

func TestGetUnknownCase(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), adminActor, "missing")
	assert.Equal(t, appErrors.ErrNotFound.Code, codeOf(err))

	_, err = f.svc.Get(context.Background(), discipline.Actor{}, "missing")
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))
}

func TestDecisionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID

	_, err := f.svc.Decide(ctx, coordinatorActor, id, "Suspensión 3 días")
	assert.Equal(t, appErrors.ErrDescargosRequired.Code, codeOf(err))

	_, err = f.svc.RecordDescargos(ctx, teacherActor, id, "   ", nil)
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	detail, err = f.svc.RecordDescargos(ctx, teacherActor, id, "Mi versión...", nil)
	require.NoError(t, err)
	assert.True(t, detail.HasDescargos)

	_, err = f.svc.Decide(ctx, teacherActor, id, "Suspensión 3 días")
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))

	detail, err = f.svc.Decide(ctx, coordinatorActor, id, "  Suspensión 3 días ")
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusDecided, detail.Case.Status)
	require.NotNil(t, detail.Case.DecisionText)
	assert.Equal(t, "Suspensión 3 días", *detail.Case.DecisionText)
	require.NotNil(t, detail.Case.DecidedAt)
	assert.Equal(t, fixedNow, *detail.Case.DecidedAt)

	_, err = f.svc.Decide(ctx, coordinatorActor, id, "otra")
	assert.Equal(t, appErrors.ErrConflict.Code, codeOf(err))

	detail, err = f.svc.UpdateDecision(ctx, coordinatorActor, id, "Suspensión 2 días")
	require.NoError(t, err)
	assert.Equal(t, "Suspensión 2 días", *detail.Case.DecisionText)

	detail, err = f.svc.ClearDecision(ctx, coordinatorActor, id)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusOpen, detail.Case.Status)
	assert.Nil(t, detail.Case.DecisionText)
	assert.Nil(t, detail.Case.DecidedAt)

	_, err = f.svc.ClearDecision(ctx, coordinatorActor, id)
	assert.Equal(t, appErrors.ErrConflict.Code, codeOf(err))
}

func TestCloseSealsCaseAndLocksIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.withDescargos(t)
	id := detail.Case.ID

	detail, err := f.svc.Close(ctx, coordinatorActor, id)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusClosed, detail.Case.Status)
	require.NotNil(t, detail.Case.SealedAt)
	require.NotNil(t, detail.Case.SealedHash)
	assert.Len(t, *detail.Case.SealedHash, 64)

	_, err = f.svc.RecordDescargos(ctx, teacherActor, id, "tarde", nil)
	assert.Equal(t, appErrors.ErrCaseSealed.Code, codeOf(err))

	due := fixedNow.Add(24 * time.Hour)
	_, err = f.svc.SetDescargosDeadline(ctx, teacherActor, id, &due)
	assert.Equal(t, appErrors.ErrCaseSealed.Code, codeOf(err))

	_, err = f.svc.NotifyGuardian(ctx, teacherActor, id, dto.NotifyGuardianRequest{Channel: models.ChannelPhone})
	assert.Equal(t, appErrors.ErrCaseSealed.Code, codeOf(err))

	_, err = f.svc.AddParticipant(ctx, teacherActor, id, dto.AddParticipantRequest{StudentID: "student-2", Role: models.ParticipantWitness})
	assert.Equal(t, appErrors.ErrCaseSealed.Code, codeOf(err))

	_, err = f.svc.Close(ctx, coordinatorActor, id)
	assert.Equal(t, appErrors.ErrCaseSealed.Code, codeOf(err))

	detail, err = f.svc.AddNote(ctx, teacherActor, id, "Nota posterior al cierre")
	require.NoError(t, err)
	last := detail.Events[len(detail.Events)-1]
	assert.Equal(t, models.CaseEventNote, last.EventType)
}

func TestNotesRejectedOnSealedCaseWhenDisabled(t *testing.T) {
	f := newFixture(t, WithCasePolicy(discipline.Policy{AllowNotesWhenSealed: false}))
	ctx := context.Background()
	detail := f.open(t)
	_, err := f.svc.Close(ctx, coordinatorActor, detail.Case.ID)
	require.NoError(t, err)

	_, err = f.svc.AddNote(ctx, teacherActor, detail.Case.ID, "nota")
	assert.Equal(t, appErrors.ErrCaseSealed.Code, codeOf(err))
}

// racingStore closes the case between the guard check and the write.
type racingStore struct {
	*memoryCaseStore
}

func (r racingStore) ApplyTransition(ctx context.Context, p repository.TransitionParams) error {
	r.mu.Lock()
	r.cases[p.CaseID].Status = models.CaseStatusClosed
	r.mu.Unlock()
	return r.memoryCaseStore.ApplyTransition(ctx, p)
}

func TestStaleWriteReportsConflict(t *testing.T) {
	store := newMemoryCaseStore()
	students := studentStub{"student-1": {ID: "student-1", FullName: "Ana"}}
	svc := NewDisciplineService(racingStore{store}, students, nil, nil)
	ctx := context.Background()

	detail, err := svc.Create(ctx, adminActor, dto.CreateCaseRequest{
		StudentID: "student-1", Narrative: "x", OccurredAt: fixedNow, ManualSeverity: models.SeverityMinor,
	})
	require.NoError(t, err)
	_, err = svc.RecordDescargos(ctx, adminActor, detail.Case.ID, "versión", nil)
	require.NoError(t, err)

	_, err = svc.Decide(ctx, adminActor, detail.Case.ID, "decisión")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, codeOf(err))
	assert.Contains(t, err.Error(), "reload")
}

func TestDescargosDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID

	before := detail.Case.OccurredAt.Add(-time.Hour)
	_, err := f.svc.SetDescargosDeadline(ctx, teacherActor, id, &before)
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	past := fixedNow.Add(-time.Hour)
	detail, err = f.svc.SetDescargosDeadline(ctx, teacherActor, id, &past)
	require.NoError(t, err)
	assert.True(t, detail.Case.DescargosOverdue)

	detail, err = f.svc.RecordDescargos(ctx, teacherActor, id, "versión", nil)
	require.NoError(t, err)
	assert.False(t, detail.Case.DescargosOverdue)

	detail, err = f.svc.SetDescargosDeadline(ctx, teacherActor, id, nil)
	require.NoError(t, err)
	assert.Nil(t, detail.Case.DescargosDueAt)
}

func TestEventEditAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID

	detail, err := f.svc.AddNote(ctx, teacherActor, id, "Primera nota")
	require.NoError(t, err)
	note := detail.Events[len(detail.Events)-1]

	_, err = f.svc.UpdateEvent(ctx, otherTeacher, id, note.ID, "cambio ajeno")
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))

	detail, err = f.svc.UpdateEvent(ctx, teacherActor, id, note.ID, "Nota corregida")
	require.NoError(t, err)
	assert.Equal(t, "Nota corregida", detail.Events[len(detail.Events)-1].Text)

	_, err = f.svc.UpdateEvent(ctx, adminActor, id, detail.Events[0].ID, "CREATED no se edita")
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))

	_, err = f.svc.DeleteEvent(ctx, adminActor, id, "missing")
	assert.Equal(t, appErrors.ErrNotFound.Code, codeOf(err))

	other, err := f.svc.AddNote(ctx, teacherActor, f.open(t).Case.ID, "Nota de otro caso")
	require.NoError(t, err)
	foreign := other.Events[len(other.Events)-1]
	_, err = f.svc.UpdateEvent(ctx, teacherActor, id, foreign.ID, "cruce de casos")
	assert.Equal(t, appErrors.ErrNotFound.Code, codeOf(err))

	detail, err = f.svc.RecordDescargos(ctx, teacherActor, id, "versión", nil)
	require.NoError(t, err)
	descargos := detail.Events[len(detail.Events)-1]
	_, err = f.svc.Decide(ctx, adminActor, id, "Amonestación escrita")
	require.NoError(t, err)

	_, err = f.svc.DeleteEvent(ctx, adminActor, id, descargos.ID)
	assert.Equal(t, appErrors.ErrConflict.Code, codeOf(err))

	detail, err = f.svc.DeleteEvent(ctx, teacherActor, id, note.ID)
	require.NoError(t, err)
	for _, e := range detail.Events {
		assert.NotEqual(t, note.ID, e.ID)
	}
}

func TestAddParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID
	req := dto.AddParticipantRequest{StudentID: "student-2", Role: models.ParticipantWitness, Notes: "vio la pelea"}

	detail, err := f.svc.AddParticipant(ctx, teacherActor, id, req)
	require.NoError(t, err)
	require.Len(t, detail.Participants, 1)
	assert.Equal(t, "vio la pelea", *detail.Participants[0].Notes)

	_, err = f.svc.AddParticipant(ctx, teacherActor, id, req)
	assert.Equal(t, appErrors.ErrConflict.Code, codeOf(err))

	_, err = f.svc.AddParticipant(ctx, teacherActor, id, dto.AddParticipantRequest{StudentID: "ghost", Role: models.ParticipantOther})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	_, err = f.svc.AddParticipant(ctx, teacherActor, id, dto.AddParticipantRequest{StudentID: "student-2", Role: "BYSTANDER"})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	_, err = f.svc.AddParticipant(ctx, parentActor, id, req)
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))
}

func TestNotifyGuardianOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID

	detail, err := f.svc.NotifyGuardian(ctx, teacherActor, id, dto.NotifyGuardianRequest{Channel: models.ChannelSMS, Note: "Favor comunicarse"})
	require.NoError(t, err)
	require.Len(t, detail.NotificationLogs, 1)
	assert.Equal(t, models.NotificationSent, detail.NotificationLogs[0].Status)
	assert.Equal(t, "+573001112233", detail.NotificationLogs[0].Recipient)
	require.Len(t, f.notifier.sent, 1)
	assert.Contains(t, f.notifier.sent[0].Body, "Favor comunicarse")
	last := detail.Events[len(detail.Events)-1]
	assert.Equal(t, models.CaseEventNotifiedGuardian, last.EventType)
	assert.Equal(t, "Guardian notified via SMS (SENT)", last.Text)

	f.notifier.err = errors.New("gateway down")
	detail, err = f.svc.NotifyGuardian(ctx, teacherActor, id, dto.NotifyGuardianRequest{Channel: models.ChannelEmail, Recipient: "madre@example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationFailed, detail.NotificationLogs[1].Status)

	detail, err = f.svc.NotifyGuardian(ctx, teacherActor, id, dto.NotifyGuardianRequest{Channel: models.ChannelInPerson})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationRecorded, detail.NotificationLogs[2].Status)
	assert.Len(t, f.notifier.sent, 2)

	_, err = f.svc.NotifyGuardian(ctx, teacherActor, id, dto.NotifyGuardianRequest{Channel: "PIGEON"})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))
}

func TestNotifyGuardianWithoutContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail, err := f.svc.Create(ctx, teacherActor, dto.CreateCaseRequest{
		StudentID: "student-2", Narrative: "x", OccurredAt: fixedNow, ManualSeverity: models.SeverityMinor,
	})
	require.NoError(t, err)

	_, err = f.svc.NotifyGuardian(ctx, teacherActor, detail.Case.ID, dto.NotifyGuardianRequest{Channel: models.ChannelEmail})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	detail, err = f.svc.NotifyGuardian(ctx, teacherActor, detail.Case.ID, dto.NotifyGuardianRequest{Channel: models.ChannelLetter})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationRecorded, detail.NotificationLogs[0].Status)
}

func TestNotifyGuardianWithoutBackendFails(t *testing.T) {
	f := newFixture(t, WithGuardianNotifier(nil))
	detail := f.open(t)
	detail, err := f.svc.NotifyGuardian(context.Background(), teacherActor, detail.Case.ID, dto.NotifyGuardianRequest{Channel: models.ChannelEmail, Recipient: "a@b.co"})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationFailed, detail.NotificationLogs[0].Status)
}

func TestAcknowledgeOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID
	detail, err := f.svc.NotifyGuardian(ctx, teacherActor, id, dto.NotifyGuardianRequest{Channel: models.ChannelPhone})
	require.NoError(t, err)
	logID := detail.NotificationLogs[0].ID

	_, err = f.svc.AcknowledgeGuardian(ctx, parentActor, id, dto.AcknowledgeRequest{LogID: logID, Note: "Recibido"})
	require.NoError(t, err)
	detail, err = f.svc.AcknowledgeGuardian(ctx, teacherActor, id, dto.AcknowledgeRequest{LogID: logID, Note: "Confirmado por teléfono"})
	require.NoError(t, err)

	log := detail.NotificationLogs[0]
	require.NotNil(t, log.AcknowledgedAt)
	assert.Equal(t, "Confirmado por teléfono", *log.AcknowledgedNote)
	assert.Equal(t, teacherActor.ID, *log.AcknowledgedBy)

	_, err = f.svc.AcknowledgeGuardian(ctx, teacherActor, id, dto.AcknowledgeRequest{LogID: "nope"})
	assert.Equal(t, appErrors.ErrNotFound.Code, codeOf(err))

	_, err = f.svc.AcknowledgeGuardian(ctx, teacherActor, id, dto.AcknowledgeRequest{})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))
}

func TestSuggestionFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID

	_, err := f.svc.GenerateSuggestion(ctx, adminActor, id)
	assert.Equal(t, appErrors.ErrDescargosRequired.Code, codeOf(err))
	assert.Zero(t, f.engine.calls)

	_, err = f.svc.RecordDescargos(ctx, teacherActor, id, "versión", nil)
	require.NoError(t, err)

	detail, err = f.svc.GenerateSuggestion(ctx, adminActor, id)
	require.NoError(t, err)
	first := detail.LatestSuggestion
	require.NotNil(t, first)
	assert.Equal(t, models.SuggestionDraft, first.Status)
	require.Len(t, first.Citations, 1)
	assert.Equal(t, "agresiones físicas", first.Citations[0].Quote)

	detail, err = f.svc.GenerateSuggestion(ctx, adminActor, id)
	require.NoError(t, err)
	second := detail.LatestSuggestion
	require.NotEqual(t, first.ID, second.ID)

	_, err = f.svc.ApproveSuggestion(ctx, adminActor, id, first.ID)
	assert.Equal(t, appErrors.ErrConflict.Code, codeOf(err))

	_, err = f.svc.ApplySuggestion(ctx, adminActor, id, second.ID)
	assert.Equal(t, appErrors.ErrConflict.Code, codeOf(err))

	_, err = f.svc.ApproveSuggestion(ctx, coordinatorActor, id, second.ID)
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))

	detail, err = f.svc.ApproveSuggestion(ctx, adminActor, id, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionApproved, detail.LatestSuggestion.Status)

	detail, err = f.svc.ApplySuggestion(ctx, adminActor, id, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusDecided, detail.Case.Status)
	assert.Equal(t, "Suspensión de 2 días", *detail.Case.DecisionText)
	assert.Equal(t, models.SuggestionApplied, detail.LatestSuggestion.Status)

	_, err = f.svc.RejectSuggestion(ctx, adminActor, id, "missing")
	assert.Equal(t, appErrors.ErrNotFound.Code, codeOf(err))
}

func TestSuggestionEngineFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.withDescargos(t)

	f.engine.err = errors.New("timeout")
	_, err := f.svc.GenerateSuggestion(ctx, adminActor, detail.Case.ID)
	assert.Equal(t, appErrors.ErrUpstream.Code, codeOf(err))

	f.engine.err = nil
	f.engine.result = &SuggestionResult{DecisionText: "  "}
	_, err = f.svc.GenerateSuggestion(ctx, adminActor, detail.Case.ID)
	assert.Equal(t, appErrors.ErrUpstream.Code, codeOf(err))

	noManual := newFixture(t, WithSuggestionEngine(f.engine, manualStub{}))
	detail = noManual.withDescargos(t)
	_, err = noManual.svc.GenerateSuggestion(ctx, adminActor, detail.Case.ID)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, codeOf(err))
}

func TestResolveCitations(t *testing.T) {
	body := "Artículo 12. Las agresiones   físicas\nse sancionan con suspensión."
	citations := ResolveCitations(body, []string{
		"las agresiones físicas se sancionan",
		"texto que no existe",
		"LAS AGRESIONES",
		"",
	})
	require.Len(t, citations, 1)
	assert.Equal(t, strings.Index(body, "Las"), citations[0].Offset)
	assert.Equal(t, "Las agresiones   físicas\nse sancionan", citations[0].Quote)
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID

	detail, err := f.svc.AddAttachment(ctx, teacherActor, id, dto.AttachmentRequest{Kind: models.AttachmentEvidence, Description: "foto"},
		UploadFile{Filename: "../foto.png", Size: int64(len(pngPayload)), Content: bytes.NewReader(pngPayload)})
	require.NoError(t, err)
	require.Len(t, detail.Attachments, 1)
	att := detail.Attachments[0]
	assert.Equal(t, "foto.png", att.Filename)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, int64(len(pngPayload)), att.SizeBytes)
	require.NotEmpty(t, att.DownloadURL)

	link, err := url.Parse(att.DownloadURL)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/cases/"+id+"/attachments/"+att.ID+"/download", link.Path)

	meta, file, err := f.svc.OpenAttachment(ctx, id, att.ID, link.Query().Get("token"))
	require.NoError(t, err)
	defer file.Close() //nolint:errcheck
	assert.Equal(t, att.ID, meta.ID)

	_, _, err = f.svc.OpenAttachment(ctx, id, att.ID, "1.bogus")
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))
}

func TestAttachmentRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.open(t)
	id := detail.Case.ID

	_, err := f.svc.AddAttachment(ctx, teacherActor, id, dto.AttachmentRequest{Kind: models.AttachmentEvidence},
		UploadFile{Filename: "nota.txt", Size: 5, Content: strings.NewReader("hello")})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	_, err = f.svc.AddAttachment(ctx, teacherActor, id, dto.AttachmentRequest{Kind: models.AttachmentEvidence},
		UploadFile{Filename: "big.png", Size: 4096, Content: bytes.NewReader(pngPayload)})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	oversized := append(append([]byte{}, pngPayload...), bytes.Repeat([]byte{1}, 2048)...)
	_, err = f.svc.AddAttachment(ctx, teacherActor, id, dto.AttachmentRequest{Kind: models.AttachmentEvidence},
		UploadFile{Filename: "liar.png", Size: 10, Content: bytes.NewReader(oversized)})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	_, err = f.svc.AddAttachment(ctx, teacherActor, id, dto.AttachmentRequest{Kind: "SELFIE"},
		UploadFile{Filename: "a.png", Size: 10, Content: bytes.NewReader(pngPayload)})
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	_, err = f.svc.AddAttachment(ctx, parentActor, id, dto.AttachmentRequest{Kind: models.AttachmentEvidence},
		UploadFile{Filename: "a.png", Size: 10, Content: bytes.NewReader(pngPayload)})
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))

	detail, err = f.svc.Get(ctx, teacherActor, id)
	require.NoError(t, err)
	assert.Empty(t, detail.Attachments)
}

func TestDescargosWithFile(t *testing.T) {
	f := newFixture(t)
	detail := f.open(t)
	detail, err := f.svc.RecordDescargos(context.Background(), teacherActor, detail.Case.ID, "Adjunto mi carta",
		&UploadFile{Filename: "carta.png", Size: int64(len(pngPayload)), Content: bytes.NewReader(pngPayload)})
	require.NoError(t, err)
	require.Len(t, detail.Attachments, 1)
	assert.Equal(t, models.AttachmentDescargos, detail.Attachments[0].Kind)
	assert.True(t, detail.HasDescargos)
	assert.Len(t, f.storedFiles(t), 1)
}

func TestDescargosWithFileRollsBackWhenLogWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t).Case.ID

	f.store.eventErr = errors.New("connection reset")
	_, err := f.svc.RecordDescargos(ctx, teacherActor, id, "Adjunto mi carta",
		&UploadFile{Filename: "carta.png", Size: int64(len(pngPayload)), Content: bytes.NewReader(pngPayload)})
	require.Error(t, err)

	f.store.eventErr = nil
	detail, err := f.svc.Get(ctx, teacherActor, id)
	require.NoError(t, err)
	assert.Empty(t, detail.Attachments)
	assert.False(t, detail.HasDescargos)
	assert.Empty(t, f.storedFiles(t))

	detail, err = f.svc.RecordDescargos(ctx, teacherActor, id, "Adjunto mi carta",
		&UploadFile{Filename: "carta.png", Size: int64(len(pngPayload)), Content: bytes.NewReader(pngPayload)})
	require.NoError(t, err)
	assert.Len(t, detail.Attachments, 1)
	assert.True(t, detail.HasDescargos)
}

func (f *fixture) storedFiles(t *testing.T) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(f.fileDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestSearchStudents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results, err := f.svc.SearchStudents(ctx, teacherActor, "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = f.svc.SearchStudents(ctx, teacherActor, "ana", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "student-1", results[0].ID)

	_, err = f.svc.SearchStudents(ctx, parentActor, "ana", 10)
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))
}

func TestListCases(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.open(t)

	cases, page, err := f.svc.List(context.Background(), teacherActor, dto.CaseQuery{Status: []models.CaseStatus{models.CaseStatusOpen}, PageSize: 500})
	require.NoError(t, err)
	assert.Len(t, cases, 2)
	assert.Equal(t, 50, page.PageSize)
	assert.Equal(t, 1, page.Page)

	_, _, err = f.svc.List(context.Background(), discipline.Actor{ID: "x", Role: models.RoleStudent}, dto.CaseQuery{})
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))
}
