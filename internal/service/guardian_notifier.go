package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

// GuardianMessage is what gets delivered to a guardian over EMAIL or SMS.
type GuardianMessage struct {
	CaseID    string                     `json:"case_id"`
	StudentID string                     `json:"student_id"`
	Channel   models.NotificationChannel `json:"channel"`
	Recipient string                     `json:"recipient"`
	Body      string                     `json:"body"`
}

// GuardianNotifier delivers messages on electronic channels.
type GuardianNotifier interface {
	Notify(ctx context.Context, msg GuardianMessage) error
}

// WithGuardianNotifier registers the delivery backend for EMAIL and SMS.
func WithGuardianNotifier(notifier GuardianNotifier) DisciplineServiceOption {
	return func(s *DisciplineService) {
		s.notifier = notifier
	}
}

// LogNotifier only logs messages. It is used when no delivery backend is
// configured, typically in development.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements GuardianNotifier.
func (n *LogNotifier) Notify(_ context.Context, msg GuardianMessage) error {
	n.logger.Info("guardian notification",
		zap.String("case_id", msg.CaseID),
		zap.String("channel", string(msg.Channel)),
		zap.String("recipient", msg.Recipient))
	return nil
}

// WebhookNotifier posts messages to a delivery gateway as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier constructs a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Notify implements GuardianNotifier.
func (n *WebhookNotifier) Notify(ctx context.Context, msg GuardianMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal guardian message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifier request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notifier responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func electronic(channel models.NotificationChannel) bool {
	return channel == models.ChannelEmail || channel == models.ChannelSMS
}

// NotifyGuardian logs a notification attempt. EMAIL and SMS are delivered
// through the notifier and end SENT or FAILED; other channels are RECORDED.
func (s *DisciplineService) NotifyGuardian(ctx context.Context, actor discipline.Actor, caseID string, req dto.NotifyGuardianRequest) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "notify_guardian", func(st *caseState) error {
		if err := s.policy.CheckNotifyGuardian(st.c, st.caps, req.Channel); err != nil {
			return err
		}
		recipient := strings.TrimSpace(req.Recipient)
		if recipient == "" {
			if student, err := s.students.FindByID(ctx, st.c.StudentID); err == nil {
				recipient = strings.TrimSpace(student.Phone)
			} else {
				s.logger.Warn("guardian contact lookup failed", zap.String("student_id", st.c.StudentID), zap.Error(err))
			}
		}
		if recipient == "" && electronic(req.Channel) {
			return appErrors.Clone(appErrors.ErrValidation, "recipient is required")
		}

		status := models.NotificationRecorded
		if electronic(req.Channel) {
			status = models.NotificationSent
			msg := GuardianMessage{
				CaseID:    caseID,
				StudentID: st.c.StudentID,
				Channel:   req.Channel,
				Recipient: recipient,
				Body:      guardianBody(st.c, req.Note),
			}
			if s.notifier == nil {
				status = models.NotificationFailed
			} else if err := s.notifier.Notify(ctx, msg); err != nil {
				s.logger.Warn("guardian notification failed", zap.String("case_id", caseID), zap.String("channel", string(req.Channel)), zap.Error(err))
				status = models.NotificationFailed
			}
		}
		s.metrics.RecordNotification(string(req.Channel), string(status))

		log := &models.NotificationLog{
			CaseID:    caseID,
			Channel:   req.Channel,
			Status:    status,
			Recipient: recipient,
			CreatedBy: actor.ID,
		}
		if note := strings.TrimSpace(req.Note); note != "" {
			log.Note = &note
		}
		event := &models.CaseEvent{
			EventType: models.CaseEventNotifiedGuardian,
			Text:      fmt.Sprintf("Guardian notified via %s (%s)", req.Channel, status),
			CreatedBy: actor.ID,
		}
		return s.repo.AddNotificationLog(ctx, log, event)
	})
}

func guardianBody(c *models.DisciplineCase, note string) string {
	body := fmt.Sprintf("A disciplinary case was opened for your student on %s.", c.OccurredAt.Format("2006-01-02"))
	if note = strings.TrimSpace(note); note != "" {
		body += " " + note
	}
	return body
}

// AcknowledgeGuardian stamps a notification as acknowledged. Repeating the
// call overwrites the previous acknowledgement.
func (s *DisciplineService) AcknowledgeGuardian(ctx context.Context, actor discipline.Actor, caseID string, req dto.AcknowledgeRequest) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "acknowledge_guardian", func(st *caseState) error {
		if err := s.policy.CheckAcknowledge(st.c, st.caps, req.LogID); err != nil {
			return err
		}
		if _, err := s.repo.GetNotificationLog(ctx, caseID, req.LogID); err != nil {
			if isNoRows(err) {
				return appErrors.Clone(appErrors.ErrNotFound, "notification log not found")
			}
			return err
		}
		var note *string
		if trimmed := strings.TrimSpace(req.Note); trimmed != "" {
			note = &trimmed
		}
		return s.repo.AcknowledgeNotification(ctx, caseID, req.LogID, s.now(), note, actor.ID)
	})
}
