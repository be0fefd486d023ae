// Package caseclient is the Go client of the discipline case API. Client maps
// one method per route; Session layers the interactive workflow on top. It
// speaks in the server's dto, models and discipline types, so it stays inside
// this module.
package caseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/pkg/middleware/requestid"
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status  int         `json:"status"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// File is an upload kept in memory so it can be retried.
type File struct {
	Name string
	Data []byte
}

// Client talks to the case API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default traced HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a client for baseURL, e.g. http://host:8080/api/v1.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Data       json.RawMessage    `json:"data"`
	Error      *APIError          `json:"error"`
	Pagination *models.Pagination `json:"pagination"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestid.Header, id)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out interface{}) (*models.Pagination, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	c.logger.Debug("case api call",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return env.Pagination, nil
}

func decodeError(status int, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		if env.Error.Status == 0 {
			env.Error.Status = status
		}
		return env.Error
	}
	return &APIError{Status: status, Code: http.StatusText(status), Message: strings.TrimSpace(string(raw))}
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) (*models.Pagination, error) {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	return c.send(req, out)
}

func (c *Client) detail(ctx context.Context, method, path string, in interface{}) (*dto.CaseDetail, error) {
	var out dto.CaseDetail
	if _, err := c.call(ctx, method, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func casePath(caseID string, parts ...string) string {
	path := "/cases/" + url.PathEscape(caseID)
	for _, p := range parts {
		path += "/" + url.PathEscape(p)
	}
	return path
}

// CreateCase opens a case.
func (c *Client) CreateCase(ctx context.Context, req dto.CreateCaseRequest) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, "/cases", req)
}

// GetCase loads the authoritative case aggregate.
func (c *Client) GetCase(ctx context.Context, caseID string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodGet, casePath(caseID), nil)
}

// ListCases lists cases matching query.
func (c *Client) ListCases(ctx context.Context, query dto.CaseQuery) ([]models.DisciplineCase, *models.Pagination, error) {
	values := url.Values{}
	if len(query.Status) > 0 {
		statuses := make([]string, len(query.Status))
		for i, s := range query.Status {
			statuses[i] = string(s)
		}
		values.Set("status", strings.Join(statuses, ","))
	}
	if query.StudentID != "" {
		values.Set("studentId", query.StudentID)
	}
	if query.Sealed != nil {
		values.Set("sealed", strconv.FormatBool(*query.Sealed))
	}
	if query.Page > 0 {
		values.Set("page", strconv.Itoa(query.Page))
	}
	if query.PageSize > 0 {
		values.Set("limit", strconv.Itoa(query.PageSize))
	}
	path := "/cases"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []models.DisciplineCase
	pagination, err := c.call(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, nil, err
	}
	return out, pagination, nil
}

// RecordDescargos posts the student's rebuttal, with an optional file.
func (c *Client) RecordDescargos(ctx context.Context, caseID, text string, file *File) (*dto.CaseDetail, error) {
	if file == nil {
		return c.detail(ctx, http.MethodPost, casePath(caseID, "descargos"), dto.DescargosRequest{Text: text})
	}
	return c.multipart(ctx, casePath(caseID, "descargos"), map[string]string{"text": text}, "file", *file)
}

// Decide records the decision.
func (c *Client) Decide(ctx context.Context, caseID, text string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "decide"), dto.DecisionRequest{DecisionText: text})
}

// UpdateDecision replaces the decision text.
func (c *Client) UpdateDecision(ctx context.Context, caseID, text string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPatch, casePath(caseID, "decision"), dto.DecisionRequest{DecisionText: text})
}

// ClearDecision withdraws the decision.
func (c *Client) ClearDecision(ctx context.Context, caseID string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodDelete, casePath(caseID, "decision"), nil)
}

// CloseCase closes the case.
func (c *Client) CloseCase(ctx context.Context, caseID string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "close"), nil)
}

// SetDescargosDeadline sets or clears (nil) the deadline.
func (c *Client) SetDescargosDeadline(ctx context.Context, caseID string, dueAt *time.Time) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPut, casePath(caseID, "descargos-deadline"), dto.DeadlineRequest{DueAt: dueAt})
}

// AddNote appends a note.
func (c *Client) AddNote(ctx context.Context, caseID, text string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "notes"), dto.NoteRequest{Text: text})
}

// UpdateEvent amends a NOTE or DESCARGOS entry.
func (c *Client) UpdateEvent(ctx context.Context, caseID, eventID, text string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPatch, casePath(caseID, "events", eventID), dto.UpdateEventRequest{Text: text})
}

// DeleteEvent removes a NOTE or DESCARGOS entry.
func (c *Client) DeleteEvent(ctx context.Context, caseID, eventID string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodDelete, casePath(caseID, "events", eventID), nil)
}

// AddParticipant links a student to the case.
func (c *Client) AddParticipant(ctx context.Context, caseID string, req dto.AddParticipantRequest) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "participants"), req)
}

// UploadAttachment uploads one file.
func (c *Client) UploadAttachment(ctx context.Context, caseID string, meta dto.AttachmentRequest, file File) (*dto.CaseDetail, error) {
	fields := map[string]string{"kind": string(meta.Kind)}
	if meta.Description != "" {
		fields["description"] = meta.Description
	}
	return c.multipart(ctx, casePath(caseID, "attachments"), fields, "files", file)
}

func (c *Client) multipart(ctx context.Context, path string, fields map[string]string, fileField string, file File) (*dto.CaseDetail, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := writer.CreateFormFile(fileField, file.Name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, buf, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var out dto.CaseDetail
	if _, err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyGuardian logs a guardian notification.
func (c *Client) NotifyGuardian(ctx context.Context, caseID string, req dto.NotifyGuardianRequest) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "notify-guardian"), req)
}

// AcknowledgeGuardian acknowledges a notification log.
func (c *Client) AcknowledgeGuardian(ctx context.Context, caseID string, req dto.AcknowledgeRequest) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "acknowledge"), req)
}

// GenerateSuggestion asks for a new decision proposal.
func (c *Client) GenerateSuggestion(ctx context.Context, caseID string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "ai", "suggest"), nil)
}

// ApproveSuggestion approves a draft suggestion.
func (c *Client) ApproveSuggestion(ctx context.Context, caseID, suggestionID string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "ai", "suggestions", suggestionID, "approve"), nil)
}

// RejectSuggestion rejects a draft suggestion.
func (c *Client) RejectSuggestion(ctx context.Context, caseID, suggestionID string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "ai", "suggestions", suggestionID, "reject"), nil)
}

// ApplySuggestion writes an approved suggestion as the decision.
func (c *Client) ApplySuggestion(ctx context.Context, caseID, suggestionID string) (*dto.CaseDetail, error) {
	return c.detail(ctx, http.MethodPost, casePath(caseID, "ai", "suggestions", suggestionID, "apply"), nil)
}

// DownloadActa fetches the acta PDF.
func (c *Client) DownloadActa(ctx context.Context, caseID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, casePath(caseID, "acta"), nil, "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/pdf")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download acta: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read acta: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, raw)
	}
	return raw, nil
}

// SearchStudents queries the student directory.
func (c *Client) SearchStudents(ctx context.Context, term string, limit int) ([]dto.StudentSearchResult, error) {
	values := url.Values{"q": {term}}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out []dto.StudentSearchResult
	if _, err := c.call(ctx, http.MethodGet, "/students/search?"+values.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
