package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/middleware"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

// workflowStub overrides the methods a test needs; calling anything else
// panics on the nil embedded interface.
type workflowStub struct {
	caseWorkflow
	actor     discipline.Actor
	query     dto.CaseQuery
	created   dto.CreateCaseRequest
	descargos string
	files     []string
	bodies    []string
	err       error
}

func (s *workflowStub) detail() *dto.CaseDetail {
	return &dto.CaseDetail{Case: models.DisciplineCase{ID: "case-1", Status: models.CaseStatusOpen}}
}

func (s *workflowStub) Create(_ context.Context, actor discipline.Actor, req dto.CreateCaseRequest) (*dto.CaseDetail, error) {
	s.actor = actor
	s.created = req
	if s.err != nil {
		return nil, s.err
	}
	return s.detail(), nil
}

func (s *workflowStub) List(_ context.Context, actor discipline.Actor, query dto.CaseQuery) ([]models.DisciplineCase, *models.Pagination, error) {
	s.actor = actor
	s.query = query
	return []models.DisciplineCase{{ID: "case-1"}}, &models.Pagination{Page: query.Page, PageSize: query.PageSize, TotalCount: 1}, nil
}

func (s *workflowStub) Close(_ context.Context, actor discipline.Actor, _ string) (*dto.CaseDetail, error) {
	s.actor = actor
	if s.err != nil {
		return nil, s.err
	}
	return s.detail(), nil
}

func (s *workflowStub) RecordDescargos(_ context.Context, _ discipline.Actor, _ string, text string, file *service.UploadFile) (*dto.CaseDetail, error) {
	s.descargos = text
	if file != nil {
		s.files = append(s.files, file.Filename)
		body, _ := io.ReadAll(file.Content)
		s.bodies = append(s.bodies, string(body))
	}
	return s.detail(), nil
}

func (s *workflowStub) AddAttachment(_ context.Context, _ discipline.Actor, _ string, req dto.AttachmentRequest, file service.UploadFile) (*dto.CaseDetail, error) {
	if req.Kind != models.AttachmentEvidence {
		return nil, appErrors.Clone(appErrors.ErrValidation, "kind")
	}
	s.files = append(s.files, file.Filename)
	if s.err != nil && len(s.files) > 1 {
		return nil, s.err
	}
	return s.detail(), nil
}

type exporterStub struct {
	format string
	err    error
}

func (e *exporterStub) Acta(_ context.Context, _ discipline.Actor, caseID string) (*service.ExportFile, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &service.ExportFile{Filename: "acta-" + caseID + ".pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.3")}, nil
}

func (e *exporterStub) Register(_ context.Context, _ discipline.Actor, _ dto.CaseQuery, format string) (*service.ExportFile, error) {
	e.format = format
	return &service.ExportFile{Filename: "cases.csv", ContentType: "text/csv", Data: []byte("id\n")}, nil
}

func newCaseContext(method, path string, body io.Reader, contentType string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher})
	return c, w
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	for field, names := range files {
		for _, name := range names {
			part, err := writer.CreateFormFile(field, name)
			require.NoError(t, err)
			_, err = part.Write([]byte("content of " + name))
			require.NoError(t, err)
		}
	}
	require.NoError(t, writer.Close())
	return buf, writer.FormDataContentType()
}

func TestDisciplineHandlerCreate(t *testing.T) {
	stub := &workflowStub{}
	h := NewDisciplineHandler(stub, &exporterStub{})

	payload, _ := json.Marshal(map[string]interface{}{
		"student_id":      "student-1",
		"narrative":       "Pelea en el patio",
		"occurred_at":     "2026-03-10T08:00:00Z",
		"manual_severity": "MINOR",
	})
	c, w := newCaseContext(http.MethodPost, "/cases", bytes.NewReader(payload), "application/json")
	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "teacher-1", stub.actor.ID)
	assert.Equal(t, "student-1", stub.created.StudentID)

	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "case-1", body["data"]["case"].(map[string]interface{})["id"])
}

func TestDisciplineHandlerCreateRejectsMalformedJSON(t *testing.T) {
	h := NewDisciplineHandler(&workflowStub{}, &exporterStub{})
	c, w := newCaseContext(http.MethodPost, "/cases", bytes.NewReader([]byte("{")), "application/json")
	h.Create(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDisciplineHandlerListParsesFilters(t *testing.T) {
	stub := &workflowStub{}
	h := NewDisciplineHandler(stub, &exporterStub{})
	c, w := newCaseContext(http.MethodGet, "/cases?status=open,%20decided&sealed=false&page=2&limit=5&studentId=s-9", nil, "")
	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.CaseStatus{models.CaseStatusOpen, models.CaseStatusDecided}, stub.query.Status)
	require.NotNil(t, stub.query.Sealed)
	assert.False(t, *stub.query.Sealed)
	assert.Equal(t, 2, stub.query.Page)
	assert.Equal(t, 5, stub.query.PageSize)
	assert.Equal(t, "s-9", stub.query.StudentID)
}

func TestDisciplineHandlerMapsServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{appErrors.Clone(appErrors.ErrConflict, "case changed while the action was processed; reload and retry"), http.StatusConflict},
		{appErrors.ErrForbidden, http.StatusForbidden},
		{appErrors.ErrCaseSealed, http.StatusLocked},
	}
	for _, tc := range cases {
		h := NewDisciplineHandler(&workflowStub{err: tc.err}, &exporterStub{})
		c, w := newCaseContext(http.MethodPost, "/cases/case-1/close", nil, "")
		c.Params = gin.Params{{Key: "id", Value: "case-1"}}
		h.Close(c)
		assert.Equal(t, tc.status, w.Code)
	}
}

func TestDisciplineHandlerDescargosMultipart(t *testing.T) {
	stub := &workflowStub{}
	h := NewDisciplineHandler(stub, &exporterStub{})
	body, contentType := multipartBody(t, map[string]string{"text": "No fui yo"}, map[string][]string{"file": {"carta.pdf"}})
	c, w := newCaseContext(http.MethodPost, "/cases/case-1/descargos", body, contentType)
	c.Params = gin.Params{{Key: "id", Value: "case-1"}}
	h.RecordDescargos(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "No fui yo", stub.descargos)
	assert.Equal(t, []string{"carta.pdf"}, stub.files)
	assert.Equal(t, []string{"content of carta.pdf"}, stub.bodies)
}

func TestDisciplineHandlerDescargosJSON(t *testing.T) {
	stub := &workflowStub{}
	h := NewDisciplineHandler(stub, &exporterStub{})
	c, w := newCaseContext(http.MethodPost, "/cases/case-1/descargos", bytes.NewReader([]byte(`{"text":"Versión del estudiante"}`)), "application/json")
	h.RecordDescargos(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Versión del estudiante", stub.descargos)
	assert.Empty(t, stub.files)
}

func TestDisciplineHandlerUploadAttachments(t *testing.T) {
	stub := &workflowStub{}
	h := NewDisciplineHandler(stub, &exporterStub{})
	body, contentType := multipartBody(t, map[string]string{"kind": "EVIDENCE"}, map[string][]string{"files": {"a.png", "b.png"}})
	c, w := newCaseContext(http.MethodPost, "/cases/case-1/attachments", body, contentType)
	h.UploadAttachments(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a.png", "b.png"}, stub.files)
}

func TestDisciplineHandlerUploadStopsAtFirstFailure(t *testing.T) {
	stub := &workflowStub{err: appErrors.Clone(appErrors.ErrValidation, "file type text/plain is not allowed")}
	h := NewDisciplineHandler(stub, &exporterStub{})
	body, contentType := multipartBody(t, map[string]string{"kind": "EVIDENCE"}, map[string][]string{"files": {"a.png", "b.txt", "c.png"}})
	c, w := newCaseContext(http.MethodPost, "/cases/case-1/attachments", body, contentType)
	h.UploadAttachments(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []string{"a.png", "b.txt"}, stub.files)
}

func TestDisciplineHandlerUploadRequiresFiles(t *testing.T) {
	h := NewDisciplineHandler(&workflowStub{}, &exporterStub{})
	body, contentType := multipartBody(t, map[string]string{"kind": "EVIDENCE"}, nil)
	c, w := newCaseContext(http.MethodPost, "/cases/case-1/attachments", body, contentType)
	h.UploadAttachments(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDisciplineHandlerActaDownload(t *testing.T) {
	h := NewDisciplineHandler(&workflowStub{}, &exporterStub{})
	c, w := newCaseContext(http.MethodGet, "/cases/case-1/acta", nil, "")
	c.Params = gin.Params{{Key: "id", Value: "case-1"}}
	h.Acta(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="acta-case-1.pdf"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "%PDF-1.3", w.Body.String())
}

func TestDisciplineHandlerActaForbidden(t *testing.T) {
	h := NewDisciplineHandler(&workflowStub{}, &exporterStub{err: appErrors.ErrForbidden})
	c, w := newCaseContext(http.MethodGet, "/cases/case-1/acta", nil, "")
	h.Acta(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Content-Disposition"))
}

func TestDisciplineHandlerExportPassesFormat(t *testing.T) {
	exporter := &exporterStub{}
	h := NewDisciplineHandler(&workflowStub{}, exporter)
	c, w := newCaseContext(http.MethodGet, "/cases/export?format=csv", nil, "")
	h.Export(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "csv", exporter.format)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
}
