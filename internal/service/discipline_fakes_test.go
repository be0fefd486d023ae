package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/repository"
)

// memoryCaseStore mirrors the conditional writes of the SQL repositories.
type memoryCaseStore struct {
	mu           sync.Mutex
	seq          int
	base         time.Time
	cases        map[string]*models.DisciplineCase
	events       map[string][]models.CaseEvent
	participants map[string][]models.Participant
	attachments  map[string][]models.Attachment
	logs         map[string][]models.NotificationLog
	suggestions  map[string][]models.DecisionSuggestion
	sealCalls    int
	// eventErr fails every log insert; multi-row writes then store nothing.
	eventErr error
	// onListSuggestions runs before ListSuggestions takes the lock.
	onListSuggestions func()
}

func newMemoryCaseStore() *memoryCaseStore {
	return &memoryCaseStore{
		base:         time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		cases:        map[string]*models.DisciplineCase{},
		events:       map[string][]models.CaseEvent{},
		participants: map[string][]models.Participant{},
		attachments:  map[string][]models.Attachment{},
		logs:         map[string][]models.NotificationLog{},
		suggestions:  map[string][]models.DecisionSuggestion{},
	}
}

func (m *memoryCaseStore) tick() (string, time.Time) {
	m.seq++
	return fmt.Sprintf("id-%d", m.seq), m.base.Add(time.Duration(m.seq) * time.Second)
}

func (m *memoryCaseStore) writable(caseID string) (*models.DisciplineCase, error) {
	c, ok := m.cases[caseID]
	if !ok || c.Sealed() {
		return nil, sql.ErrNoRows
	}
	return c, nil
}

func (m *memoryCaseStore) appendEvent(caseID string, event *models.CaseEvent) {
	id, at := m.tick()
	event.ID = id
	event.CaseID = caseID
	event.CreatedAt = at
	m.events[caseID] = append(m.events[caseID], *event)
}

func (m *memoryCaseStore) Create(_ context.Context, c *models.DisciplineCase, created *models.CaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, at := m.tick()
	c.ID = "case-" + id
	c.CreatedAt, c.UpdatedAt = at, at
	if c.Law1620Type == "" {
		c.Law1620Type = models.Law1620TypeUnknown
	}
	stored := *c
	m.cases[c.ID] = &stored
	if created != nil {
		m.appendEvent(c.ID, created)
	}
	return nil
}

func (m *memoryCaseStore) GetByID(_ context.Context, id string) (*models.DisciplineCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *c
	return &copied, nil
}

func (m *memoryCaseStore) List(_ context.Context, filter models.DisciplineCaseFilter) ([]models.DisciplineCase, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DisciplineCase, 0)
	for _, c := range m.cases {
		if filter.StudentID != "" && c.StudentID != filter.StudentID {
			continue
		}
		if len(filter.Status) > 0 {
			match := false
			for _, st := range filter.Status {
				match = match || st == c.Status
			}
			if !match {
				continue
			}
		}
		out = append(out, *c)
	}
	return out, len(out), nil
}

func (m *memoryCaseStore) ApplyTransition(_ context.Context, p repository.TransitionParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.writable(p.CaseID)
	if err != nil {
		return err
	}
	allowed := false
	for _, from := range p.From {
		allowed = allowed || from == c.Status
	}
	if !allowed {
		return sql.ErrNoRows
	}
	if p.RequireDescargos {
		found := false
		for _, e := range m.events[p.CaseID] {
			found = found || e.EventType == models.CaseEventDescargos
		}
		if !found {
			return sql.ErrNoRows
		}
	}
	c.Status = p.To
	if p.ClearDecision {
		c.DecisionText, c.DecidedAt = nil, nil
	}
	if p.DecisionText != nil {
		text := *p.DecisionText
		c.DecisionText = &text
		c.DecidedAt = p.DecidedAt
	}
	if p.Event != nil {
		m.appendEvent(p.CaseID, p.Event)
	}
	return nil
}

func (m *memoryCaseStore) UpdateDeadline(_ context.Context, caseID string, dueAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.writable(caseID)
	if err != nil {
		return err
	}
	c.DescargosDueAt = dueAt
	return nil
}

func (m *memoryCaseStore) ListEvents(_ context.Context, caseID string) ([]models.CaseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CaseEvent(nil), m.events[caseID]...), nil
}

func (m *memoryCaseStore) GetEvent(_ context.Context, caseID, eventID string) (*models.CaseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events[caseID] {
		if e.ID == eventID {
			copied := e
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryCaseStore) AppendEvent(_ context.Context, event *models.CaseEvent, allowSealed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventErr != nil {
		return m.eventErr
	}
	c, ok := m.cases[event.CaseID]
	if !ok || (c.Sealed() && !allowSealed) {
		return sql.ErrNoRows
	}
	m.appendEvent(event.CaseID, event)
	return nil
}

func (m *memoryCaseStore) UpdateEventText(_ context.Context, caseID, eventID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writable(caseID); err != nil {
		return err
	}
	for i := range m.events[caseID] {
		if m.events[caseID][i].ID == eventID {
			m.events[caseID][i].Text = text
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memoryCaseStore) DeleteEvent(_ context.Context, caseID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writable(caseID); err != nil {
		return err
	}
	events := m.events[caseID]
	for i := range events {
		if events[i].ID == eventID {
			m.events[caseID] = append(events[:i:i], events[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memoryCaseStore) ListParticipants(_ context.Context, caseID string) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Participant(nil), m.participants[caseID]...), nil
}

func (m *memoryCaseStore) ParticipantExists(_ context.Context, caseID, studentID string, role models.ParticipantRole) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants[caseID] {
		if p.StudentID == studentID && p.Role == role {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryCaseStore) AddParticipant(_ context.Context, p *models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writable(p.CaseID); err != nil {
		return err
	}
	p.ID, p.CreatedAt = m.tick()
	m.participants[p.CaseID] = append(m.participants[p.CaseID], *p)
	return nil
}

func (m *memoryCaseStore) ListAttachments(_ context.Context, caseID string) ([]models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Attachment(nil), m.attachments[caseID]...), nil
}

func (m *memoryCaseStore) GetAttachment(_ context.Context, caseID, attachmentID string) (*models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attachments[caseID] {
		if a.ID == attachmentID {
			copied := a
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryCaseStore) AddAttachment(_ context.Context, a *models.Attachment, event *models.CaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writable(a.CaseID); err != nil {
		return err
	}
	if event != nil && m.eventErr != nil {
		return m.eventErr
	}
	_, a.CreatedAt = m.tick()
	m.attachments[a.CaseID] = append(m.attachments[a.CaseID], *a)
	if event != nil {
		m.appendEvent(a.CaseID, event)
	}
	return nil
}

func (m *memoryCaseStore) ListNotificationLogs(_ context.Context, caseID string) ([]models.NotificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.NotificationLog(nil), m.logs[caseID]...), nil
}

func (m *memoryCaseStore) GetNotificationLog(_ context.Context, caseID, logID string) (*models.NotificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.logs[caseID] {
		if l.ID == logID {
			copied := l
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryCaseStore) AddNotificationLog(_ context.Context, log *models.NotificationLog, event *models.CaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writable(log.CaseID); err != nil {
		return err
	}
	log.ID, log.CreatedAt = m.tick()
	m.logs[log.CaseID] = append(m.logs[log.CaseID], *log)
	if event != nil {
		m.appendEvent(log.CaseID, event)
	}
	return nil
}

func (m *memoryCaseStore) AcknowledgeNotification(_ context.Context, caseID, logID string, at time.Time, note *string, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writable(caseID); err != nil {
		return err
	}
	for i := range m.logs[caseID] {
		l := &m.logs[caseID][i]
		if l.ID == logID {
			stamp := at
			actor := by
			l.AcknowledgedAt, l.AcknowledgedNote, l.AcknowledgedBy = &stamp, note, &actor
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memoryCaseStore) ListSuggestions(_ context.Context, caseID string) ([]models.DecisionSuggestion, error) {
	if hook := m.onListSuggestions; hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DecisionSuggestion(nil), m.suggestions[caseID]...), nil
}

func (m *memoryCaseStore) CreateSuggestion(_ context.Context, s *models.DecisionSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writable(s.CaseID); err != nil {
		return err
	}
	s.ID, s.CreatedAt = m.tick()
	m.suggestions[s.CaseID] = append(m.suggestions[s.CaseID], *s)
	return nil
}

func (m *memoryCaseStore) UpdateSuggestionStatus(_ context.Context, caseID, suggestionID string, from, to models.SuggestionStatus, reviewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.writable(caseID); err != nil {
		return err
	}
	for i := range m.suggestions[caseID] {
		s := &m.suggestions[caseID][i]
		if s.ID == suggestionID && s.Status == from {
			s.Status = to
			s.ReviewedBy = &reviewer
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memoryCaseStore) Seal(_ context.Context, caseID string, sealedAt time.Time, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealCalls++
	c, ok := m.cases[caseID]
	if !ok || c.Sealed() || c.Status != models.CaseStatusClosed {
		return sql.ErrNoRows
	}
	at, h := sealedAt, hash
	c.SealedAt, c.SealedHash = &at, &h
	return nil
}

func (m *memoryCaseStore) ListPendingSeal(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for id, c := range m.cases {
		if c.Status == models.CaseStatusClosed && !c.Sealed() && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type studentStub map[string]*models.Student

func (s studentStub) FindByID(_ context.Context, id string) (*models.Student, error) {
	student, ok := s[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return student, nil
}

func (s studentStub) Search(_ context.Context, term string, _ int) ([]dto.StudentSearchResult, error) {
	out := make([]dto.StudentSearchResult, 0)
	for _, student := range s {
		if strings.Contains(strings.ToLower(student.FullName), strings.ToLower(term)) {
			out = append(out, dto.StudentSearchResult{ID: student.ID, NIS: student.NIS, FullName: student.FullName})
		}
	}
	return out, nil
}

type notifierStub struct {
	err  error
	sent []GuardianMessage
}

func (n *notifierStub) Notify(_ context.Context, msg GuardianMessage) error {
	n.sent = append(n.sent, msg)
	return n.err
}

type engineStub struct {
	result *SuggestionResult
	err    error
	calls  int
}

func (e *engineStub) Suggest(_ context.Context, _ SuggestionRequest) (*SuggestionResult, error) {
	e.calls++
	return e.result, e.err
}

type manualStub struct {
	manual *models.PolicyManual
}

func (m manualStub) GetActive(_ context.Context) (*models.PolicyManual, error) {
	if m.manual == nil {
		return nil, sql.ErrNoRows
	}
	return m.manual, nil
}
