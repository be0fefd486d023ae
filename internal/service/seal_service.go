package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/pkg/jobs"
)

// SealJobType identifies seal jobs on the queue.
const SealJobType = "case.seal"

type sealStore interface {
	GetByID(ctx context.Context, id string) (*models.DisciplineCase, error)
	ListEvents(ctx context.Context, caseID string) ([]models.CaseEvent, error)
	ListParticipants(ctx context.Context, caseID string) ([]models.Participant, error)
	ListAttachments(ctx context.Context, caseID string) ([]models.Attachment, error)
	ListNotificationLogs(ctx context.Context, caseID string) ([]models.NotificationLog, error)
	Seal(ctx context.Context, caseID string, sealedAt time.Time, hash string) error
	ListPendingSeal(ctx context.Context, limit int) ([]string, error)
}

type jobQueue interface {
	EnqueueAfter(job jobs.Job, delay time.Duration) error
}

// SealService locks closed cases with a content hash.
type SealService struct {
	repo    sealStore
	queue   jobQueue
	delay   time.Duration
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewSealService constructs the service. Jobs are only dispatched once a
// queue is attached with UseQueue; until then sealing runs inline.
func NewSealService(repo sealStore, cache *CacheService, metrics *MetricsService, logger *zap.Logger, delay time.Duration) *SealService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if delay < 0 {
		delay = 0
	}
	return &SealService{
		repo:    repo,
		delay:   delay,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UseQueue routes ScheduleSeal through q.
func (s *SealService) UseQueue(q jobQueue) {
	s.queue = q
}

// ScheduleSeal implements the scheduler used on close.
func (s *SealService) ScheduleSeal(caseID string) error {
	if s.queue == nil {
		return s.Seal(context.Background(), caseID)
	}
	return s.queue.EnqueueAfter(jobs.Job{ID: caseID, Type: SealJobType, Payload: caseID}, s.delay)
}

// Handle is the queue handler for seal jobs.
func (s *SealService) Handle(ctx context.Context, job jobs.Job) error {
	caseID, ok := job.Payload.(string)
	if !ok || caseID == "" {
		caseID = job.ID
	}
	return s.Seal(ctx, caseID)
}

// Exhausted records seals that gave up after all retries.
func (s *SealService) Exhausted(job jobs.Job, err error) {
	s.metrics.RecordSeal("exhausted")
	s.logger.Error("case left unsealed", zap.String("case_id", job.ID), zap.Error(err))
}

// RecoverPending schedules every closed case that was never sealed, e.g.
// because the process stopped before its seal job ran.
func (s *SealService) RecoverPending(ctx context.Context) (int, error) {
	ids, err := s.repo.ListPendingSeal(ctx, 500)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, id := range ids {
		if err := s.ScheduleSeal(id); err != nil {
			s.logger.Warn("recover seal failed", zap.String("case_id", id), zap.Error(err))
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		s.logger.Info("recovered pending seals", zap.Int("count", scheduled))
	}
	return scheduled, nil
}

// Seal computes the content hash of a closed case and stores it. Already
// sealed or not yet closed cases are left untouched.
func (s *SealService) Seal(ctx context.Context, caseID string) error {
	c, err := s.repo.GetByID(ctx, caseID)
	if err != nil {
		if isNoRows(err) {
			s.logger.Warn("seal skipped for unknown case", zap.String("case_id", caseID))
			return nil
		}
		s.metrics.RecordSeal("error")
		return fmt.Errorf("load case for seal: %w", err)
	}
	if c.Sealed() || c.Status != models.CaseStatusClosed {
		return nil
	}
	content, err := s.content(ctx, c)
	if err != nil {
		s.metrics.RecordSeal("error")
		return err
	}
	hash, err := SealHash(content)
	if err != nil {
		s.metrics.RecordSeal("error")
		return err
	}
	if err := s.repo.Seal(ctx, caseID, s.now(), hash); err != nil {
		if isNoRows(err) {
			return nil
		}
		s.metrics.RecordSeal("error")
		return fmt.Errorf("store seal: %w", err)
	}
	s.cache.Invalidate(ctx, caseCacheKey(caseID))
	s.metrics.RecordSeal("sealed")
	s.logger.Info("case sealed", zap.String("case_id", caseID), zap.String("hash", hash))
	return nil
}

// SealContent is the canonical content covered by the seal hash.
type SealContent struct {
	ID             string             `json:"id"`
	StudentID      string             `json:"student_id"`
	Narrative      string             `json:"narrative"`
	OccurredAt     string             `json:"occurred_at"`
	Location       string             `json:"location"`
	ManualSeverity models.Severity    `json:"manual_severity"`
	Law1620Type    models.Law1620Type `json:"law_1620_type"`
	Status         models.CaseStatus  `json:"status"`
	DecisionText   *string            `json:"decision_text"`
	DecidedAt      *string            `json:"decided_at"`
	DescargosDueAt *string            `json:"descargos_due_at"`
	Events         []sealEvent        `json:"events"`
	Participants   []sealParticipant  `json:"participants"`
	Attachments    []sealAttachment   `json:"attachments"`
	Notifications  []sealNotification `json:"notifications"`
}

type sealEvent struct {
	ID        string               `json:"id"`
	Type      models.CaseEventType `json:"type"`
	Text      string               `json:"text"`
	CreatedBy string               `json:"created_by"`
	CreatedAt string               `json:"created_at"`
}

type sealParticipant struct {
	StudentID string                 `json:"student_id"`
	Role      models.ParticipantRole `json:"role"`
	Notes     *string                `json:"notes"`
}

type sealAttachment struct {
	ID        string                `json:"id"`
	Kind      models.AttachmentKind `json:"kind"`
	Filename  string                `json:"filename"`
	MimeType  string                `json:"mime_type"`
	SizeBytes int64                 `json:"size_bytes"`
}

type sealNotification struct {
	ID        string                     `json:"id"`
	Channel   models.NotificationChannel `json:"channel"`
	Status    models.NotificationStatus  `json:"status"`
	Recipient string                     `json:"recipient"`
	CreatedAt string                     `json:"created_at"`
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func stampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := stamp(*t)
	return &v
}

func (s *SealService) content(ctx context.Context, c *models.DisciplineCase) (*SealContent, error) {
	events, err := s.repo.ListEvents(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load events for seal: %w", err)
	}
	participants, err := s.repo.ListParticipants(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load participants for seal: %w", err)
	}
	attachments, err := s.repo.ListAttachments(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load attachments for seal: %w", err)
	}
	logs, err := s.repo.ListNotificationLogs(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load notifications for seal: %w", err)
	}
	return BuildSealContent(c, events, participants, attachments, logs), nil
}

// BuildSealContent assembles the canonical content in a stable order.
func BuildSealContent(c *models.DisciplineCase, events []models.CaseEvent, participants []models.Participant, attachments []models.Attachment, logs []models.NotificationLog) *SealContent {
	content := &SealContent{
		ID:             c.ID,
		StudentID:      c.StudentID,
		Narrative:      c.Narrative,
		OccurredAt:     stamp(c.OccurredAt),
		Location:       c.Location,
		ManualSeverity: c.ManualSeverity,
		Law1620Type:    c.Law1620Type,
		Status:         c.Status,
		DecisionText:   c.DecisionText,
		DecidedAt:      stampPtr(c.DecidedAt),
		DescargosDueAt: stampPtr(c.DescargosDueAt),
		Events:         make([]sealEvent, 0, len(events)),
		Participants:   make([]sealParticipant, 0, len(participants)),
		Attachments:    make([]sealAttachment, 0, len(attachments)),
		Notifications:  make([]sealNotification, 0, len(logs)),
	}
	for _, e := range events {
		content.Events = append(content.Events, sealEvent{ID: e.ID, Type: e.EventType, Text: e.Text, CreatedBy: e.CreatedBy, CreatedAt: stamp(e.CreatedAt)})
	}
	for _, p := range participants {
		content.Participants = append(content.Participants, sealParticipant{StudentID: p.StudentID, Role: p.Role, Notes: p.Notes})
	}
	for _, a := range attachments {
		content.Attachments = append(content.Attachments, sealAttachment{ID: a.ID, Kind: a.Kind, Filename: a.Filename, MimeType: a.MimeType, SizeBytes: a.SizeBytes})
	}
	for _, l := range logs {
		content.Notifications = append(content.Notifications, sealNotification{ID: l.ID, Channel: l.Channel, Status: l.Status, Recipient: l.Recipient, CreatedAt: stamp(l.CreatedAt)})
	}
	sort.SliceStable(content.Events, func(i, j int) bool {
		if content.Events[i].CreatedAt == content.Events[j].CreatedAt {
			return content.Events[i].ID < content.Events[j].ID
		}
		return content.Events[i].CreatedAt < content.Events[j].CreatedAt
	})
	sort.SliceStable(content.Participants, func(i, j int) bool {
		if content.Participants[i].StudentID == content.Participants[j].StudentID {
			return content.Participants[i].Role < content.Participants[j].Role
		}
		return content.Participants[i].StudentID < content.Participants[j].StudentID
	})
	sort.SliceStable(content.Attachments, func(i, j int) bool { return content.Attachments[i].ID < content.Attachments[j].ID })
	sort.SliceStable(content.Notifications, func(i, j int) bool { return content.Notifications[i].ID < content.Notifications[j].ID })
	return content
}

// SealHash returns the hex SHA3-256 digest of the canonical JSON content.
func SealHash(content *SealContent) (string, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal seal content: %w", err)
	}
	sum := sha3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
