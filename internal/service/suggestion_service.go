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
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

type policyManualStore interface {
	GetActive(ctx context.Context) (*models.PolicyManual, error)
}

// SuggestionRequest is the context sent to the decision engine.
type SuggestionRequest struct {
	CaseID      string             `json:"case_id"`
	Narrative   string             `json:"narrative"`
	Severity    models.Severity    `json:"manual_severity"`
	Law1620Type models.Law1620Type `json:"law_1620_type"`
	Descargos   []string           `json:"descargos"`
	ManualTitle string             `json:"manual_title"`
	Manual      string             `json:"manual"`
}

// SuggestionResult is the engine's proposal. Quotes are fragments the engine
// claims to have taken from the manual.
type SuggestionResult struct {
	DecisionText string   `json:"decision_text"`
	Quotes       []string `json:"quotes"`
}

// SuggestionEngine produces decision proposals.
type SuggestionEngine interface {
	Suggest(ctx context.Context, req SuggestionRequest) (*SuggestionResult, error)
}

// WithSuggestionEngine enables AI decision suggestions.
func WithSuggestionEngine(engine SuggestionEngine, manuals policyManualStore) DisciplineServiceOption {
	return func(s *DisciplineService) {
		s.ai = engine
		s.manuals = manuals
	}
}

// AIEngineClient calls the decision engine over HTTP.
type AIEngineClient struct {
	endpoint string
	client   *http.Client
}

// NewAIEngineClient constructs a client for endpoint.
func NewAIEngineClient(endpoint string, timeout time.Duration) *AIEngineClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AIEngineClient{
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Suggest implements SuggestionEngine.
func (c *AIEngineClient) Suggest(ctx context.Context, in SuggestionRequest) (*SuggestionResult, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal suggestion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build suggestion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("suggestion request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read suggestion response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("suggestion engine responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out SuggestionResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode suggestion response: %w", err)
	}
	return &out, nil
}

// ResolveCitations locates each quote in the manual body, ignoring case and
// whitespace differences. Quotes that cannot be found are dropped and the
// stored quote is the manual's own wording.
func ResolveCitations(body string, quotes []string) models.Citations {
	norm, starts, ends := normalizeForSearch(body)
	haystack := string(norm)
	out := models.Citations{}
	seen := map[int]struct{}{}
	for _, quote := range quotes {
		needleRunes, _, _ := normalizeForSearch(quote)
		needle := strings.TrimSpace(string(needleRunes))
		if needle == "" {
			continue
		}
		idx := strings.Index(haystack, needle)
		if idx < 0 {
			continue
		}
		first := utf8.RuneCountInString(haystack[:idx])
		last := first + utf8.RuneCountInString(needle) - 1
		offset := starts[first]
		if _, dup := seen[offset]; dup {
			continue
		}
		seen[offset] = struct{}{}
		out = append(out, models.Citation{Quote: body[offset:ends[last]], Offset: offset})
	}
	return out
}

// normalizeForSearch lowercases s and collapses whitespace runs to a single
// space, recording the byte span in s of every resulting rune.
func normalizeForSearch(s string) ([]rune, []int, []int) {
	runes := make([]rune, 0, len(s))
	starts := make([]int, 0, len(s))
	ends := make([]int, 0, len(s))
	inSpace := false
	for i, r := range s {
		size := utf8.RuneLen(r)
		if size < 0 {
			size = 1
		}
		if unicode.IsSpace(r) {
			if inSpace {
				ends[len(ends)-1] = i + size
				continue
			}
			inSpace = true
			runes = append(runes, ' ')
		} else {
			inSpace = false
			runes = append(runes, unicode.ToLower(r))
		}
		starts = append(starts, i)
		ends = append(ends, i+size)
	}
	return runes, starts, ends
}

// GenerateSuggestion asks the engine for a decision proposal backed by the
// active policy manual and stores it as DRAFT.
func (s *DisciplineService) GenerateSuggestion(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "generate_suggestion", func(st *caseState) error {
		if err := s.policy.CheckGenerateSuggestion(st.c, st.caps, st.hasDescargos()); err != nil {
			return err
		}
		if s.ai == nil || s.manuals == nil {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "decision suggestions are not configured")
		}
		manual, err := s.manuals.GetActive(ctx)
		if err != nil {
			if isNoRows(err) {
				return appErrors.Clone(appErrors.ErrPreconditionFailed, "no active policy manual")
			}
			return internal("load policy manual", err)
		}
		descargos := make([]string, 0)
		for _, e := range st.events {
			if e.EventType == models.CaseEventDescargos {
				descargos = append(descargos, e.Text)
			}
		}
		start := time.Now()
		result, err := s.ai.Suggest(ctx, SuggestionRequest{
			CaseID:      caseID,
			Narrative:   st.c.Narrative,
			Severity:    st.c.ManualSeverity,
			Law1620Type: st.c.Law1620Type,
			Descargos:   descargos,
			ManualTitle: manual.Title,
			Manual:      manual.Body,
		})
		s.metrics.ObserveAIEngine(time.Since(start))
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "decision engine unavailable")
		}
		text := strings.TrimSpace(result.DecisionText)
		if text == "" {
			return appErrors.Clone(appErrors.ErrUpstream, "decision engine returned an empty proposal")
		}
		citations := ResolveCitations(manual.Body, result.Quotes)
		if dropped := len(result.Quotes) - len(citations); dropped > 0 {
			s.logger.Info("dropped unresolved citations", zap.String("case_id", caseID), zap.Int("dropped", dropped))
		}
		return s.repo.CreateSuggestion(ctx, &models.DecisionSuggestion{
			CaseID:                caseID,
			ManualID:              manual.ID,
			SuggestedDecisionText: text,
			Citations:             citations,
			Status:                models.SuggestionDraft,
			CreatedBy:             actor.ID,
		})
	})
}

// ApproveSuggestion marks the latest DRAFT suggestion as APPROVED.
func (s *DisciplineService) ApproveSuggestion(ctx context.Context, actor discipline.Actor, caseID, suggestionID string) (*dto.CaseDetail, error) {
	return s.reviewSuggestion(ctx, actor, caseID, suggestionID, "approve_suggestion", models.SuggestionDraft, models.SuggestionApproved)
}

// RejectSuggestion marks the latest DRAFT suggestion as REJECTED.
func (s *DisciplineService) RejectSuggestion(ctx context.Context, actor discipline.Actor, caseID, suggestionID string) (*dto.CaseDetail, error) {
	return s.reviewSuggestion(ctx, actor, caseID, suggestionID, "reject_suggestion", models.SuggestionDraft, models.SuggestionRejected)
}

func (s *DisciplineService) reviewSuggestion(ctx context.Context, actor discipline.Actor, caseID, suggestionID, action string, from, to models.SuggestionStatus) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, action, func(st *caseState) error {
		suggestion, latest, err := s.findSuggestion(ctx, caseID, suggestionID)
		if err != nil {
			return err
		}
		if err := s.policy.CheckReviewSuggestion(st.c, st.caps, suggestion, latest, from); err != nil {
			return err
		}
		return s.repo.UpdateSuggestionStatus(ctx, caseID, suggestionID, from, to, actor.ID)
	})
}

// ApplySuggestion writes an APPROVED suggestion as the case decision, using
// Decide on OPEN cases and UpdateDecision on DECIDED ones.
func (s *DisciplineService) ApplySuggestion(ctx context.Context, actor discipline.Actor, caseID, suggestionID string) (*dto.CaseDetail, error) {
	return s.mutate(ctx, actor, caseID, "apply_suggestion", func(st *caseState) error {
		suggestion, latest, err := s.findSuggestion(ctx, caseID, suggestionID)
		if err != nil {
			return err
		}
		if err := s.policy.CheckReviewSuggestion(st.c, st.caps, suggestion, latest, models.SuggestionApproved); err != nil {
			return err
		}
		text := suggestion.SuggestedDecisionText
		from := st.c.Status
		switch from {
		case models.CaseStatusOpen:
			err = s.policy.CheckDecide(st.c, st.caps, st.hasDescargos(), text)
		case models.CaseStatusDecided:
			err = s.policy.CheckUpdateDecision(st.c, st.caps, st.hasDescargos(), text)
		default:
			err = appErrors.Clone(appErrors.ErrConflict, "case is closed")
		}
		if err != nil {
			return err
		}
		if err := s.writeDecision(ctx, st, from, text); err != nil {
			return err
		}
		return s.repo.UpdateSuggestionStatus(ctx, caseID, suggestionID, models.SuggestionApproved, models.SuggestionApplied, actor.ID)
	})
}

func (s *DisciplineService) findSuggestion(ctx context.Context, caseID, suggestionID string) (*models.DecisionSuggestion, *models.DecisionSuggestion, error) {
	items, err := s.repo.ListSuggestions(ctx, caseID)
	if err != nil {
		return nil, nil, internal("load suggestions", err)
	}
	latest := discipline.LatestSuggestion(items)
	for i := range items {
		if items[i].ID == suggestionID {
			return &items[i], latest, nil
		}
	}
	return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "suggestion not found")
}
