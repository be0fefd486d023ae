package handler

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/middleware"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
	"github.com/noah-isme/sma-discipline-api/pkg/response"
)

const maxUploadFiles = 10

type caseWorkflow interface {
	Create(ctx context.Context, actor discipline.Actor, req dto.CreateCaseRequest) (*dto.CaseDetail, error)
	List(ctx context.Context, actor discipline.Actor, query dto.CaseQuery) ([]models.DisciplineCase, *models.Pagination, error)
	Get(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error)
	RecordDescargos(ctx context.Context, actor discipline.Actor, caseID, text string, file *service.UploadFile) (*dto.CaseDetail, error)
	Decide(ctx context.Context, actor discipline.Actor, caseID, text string) (*dto.CaseDetail, error)
	UpdateDecision(ctx context.Context, actor discipline.Actor, caseID, text string) (*dto.CaseDetail, error)
	ClearDecision(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error)
	Close(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error)
	SetDescargosDeadline(ctx context.Context, actor discipline.Actor, caseID string, dueAt *time.Time) (*dto.CaseDetail, error)
	AddNote(ctx context.Context, actor discipline.Actor, caseID, text string) (*dto.CaseDetail, error)
	UpdateEvent(ctx context.Context, actor discipline.Actor, caseID, eventID, text string) (*dto.CaseDetail, error)
	DeleteEvent(ctx context.Context, actor discipline.Actor, caseID, eventID string) (*dto.CaseDetail, error)
	AddParticipant(ctx context.Context, actor discipline.Actor, caseID string, req dto.AddParticipantRequest) (*dto.CaseDetail, error)
	AddAttachment(ctx context.Context, actor discipline.Actor, caseID string, req dto.AttachmentRequest, file service.UploadFile) (*dto.CaseDetail, error)
	OpenAttachment(ctx context.Context, caseID, attachmentID, token string) (*models.Attachment, *os.File, error)
	NotifyGuardian(ctx context.Context, actor discipline.Actor, caseID string, req dto.NotifyGuardianRequest) (*dto.CaseDetail, error)
	AcknowledgeGuardian(ctx context.Context, actor discipline.Actor, caseID string, req dto.AcknowledgeRequest) (*dto.CaseDetail, error)
	GenerateSuggestion(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error)
	ApproveSuggestion(ctx context.Context, actor discipline.Actor, caseID, suggestionID string) (*dto.CaseDetail, error)
	RejectSuggestion(ctx context.Context, actor discipline.Actor, caseID, suggestionID string) (*dto.CaseDetail, error)
	ApplySuggestion(ctx context.Context, actor discipline.Actor, caseID, suggestionID string) (*dto.CaseDetail, error)
	SearchStudents(ctx context.Context, actor discipline.Actor, term string, limit int) ([]dto.StudentSearchResult, error)
}

type caseExporter interface {
	Acta(ctx context.Context, actor discipline.Actor, caseID string) (*service.ExportFile, error)
	Register(ctx context.Context, actor discipline.Actor, query dto.CaseQuery, format string) (*service.ExportFile, error)
}

// DisciplineHandler exposes the discipline case workflow.
type DisciplineHandler struct {
	cases   caseWorkflow
	exports caseExporter
}

// NewDisciplineHandler constructs DisciplineHandler.
func NewDisciplineHandler(cases caseWorkflow, exports caseExporter) *DisciplineHandler {
	return &DisciplineHandler{cases: cases, exports: exports}
}

func (h *DisciplineHandler) respond(c *gin.Context, status int, detail *dto.CaseDetail, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, status, detail, nil, middleware.ExtractMeta(c))
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid payload"))
		return false
	}
	return true
}

// Create godoc
// @Summary Open a discipline case
// @Tags Discipline
// @Accept json
// @Produce json
// @Param payload body dto.CreateCaseRequest true "Incident"
// @Success 201 {object} response.Envelope
// @Router /cases [post]
func (h *DisciplineHandler) Create(c *gin.Context) {
	var req dto.CreateCaseRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.Create(c.Request.Context(), actorFromContext(c), req)
	h.respond(c, http.StatusCreated, detail, err)
}

// List godoc
// @Summary List discipline cases
// @Tags Discipline
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param studentId query string false "Filter by student"
// @Param sealed query bool false "Filter by seal state"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /cases [get]
func (h *DisciplineHandler) List(c *gin.Context) {
	cases, pagination, err := h.cases.List(c.Request.Context(), actorFromContext(c), parseCaseQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cases, pagination)
}

func parseCaseQuery(c *gin.Context) dto.CaseQuery {
	var query dto.CaseQuery
	for _, raw := range strings.Split(c.Query("status"), ",") {
		if status := strings.ToUpper(strings.TrimSpace(raw)); status != "" {
			query.Status = append(query.Status, models.CaseStatus(status))
		}
	}
	query.StudentID = strings.TrimSpace(c.Query("studentId"))
	if sealed, err := strconv.ParseBool(c.Query("sealed")); err == nil {
		query.Sealed = &sealed
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		query.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		query.PageSize = size
	}
	return query
}

// Get godoc
// @Summary Case detail with capabilities
// @Tags Discipline
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id} [get]
func (h *DisciplineHandler) Get(c *gin.Context) {
	detail, err := h.cases.Get(c.Request.Context(), actorFromContext(c), c.Param("id"))
	h.respond(c, http.StatusOK, detail, err)
}

// RecordDescargos godoc
// @Summary Record the student's descargos
// @Tags Discipline
// @Accept json,mpfd
// @Produce json
// @Param id path string true "Case ID"
// @Param text formData string true "Descargos text"
// @Param file formData file false "Supporting file"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/descargos [post]
func (h *DisciplineHandler) RecordDescargos(c *gin.Context) {
	var req dto.DescargosRequest
	var upload *service.UploadFile
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBind(&req); err != nil {
			response.Error(c, appErrors.Invalid(err, "invalid payload"))
			return
		}
		if header, err := c.FormFile("file"); err == nil {
			file, closeFn, err := openUpload(header)
			if err != nil {
				response.Error(c, err)
				return
			}
			defer closeFn()
			upload = &file
		}
	} else if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.RecordDescargos(c.Request.Context(), actorFromContext(c), c.Param("id"), req.Text, upload)
	h.respond(c, http.StatusOK, detail, err)
}

// Decide godoc
// @Summary Record the decision
// @Tags Discipline
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.DecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/decide [post]
func (h *DisciplineHandler) Decide(c *gin.Context) {
	var req dto.DecisionRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.Decide(c.Request.Context(), actorFromContext(c), c.Param("id"), req.DecisionText)
	h.respond(c, http.StatusOK, detail, err)
}

// UpdateDecision godoc
// @Summary Replace the decision text
// @Tags Discipline
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.DecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/decision [patch]
func (h *DisciplineHandler) UpdateDecision(c *gin.Context) {
	var req dto.DecisionRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.UpdateDecision(c.Request.Context(), actorFromContext(c), c.Param("id"), req.DecisionText)
	h.respond(c, http.StatusOK, detail, err)
}

// ClearDecision godoc
// @Summary Withdraw the decision and reopen
// @Tags Discipline
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/decision [delete]
func (h *DisciplineHandler) ClearDecision(c *gin.Context) {
	detail, err := h.cases.ClearDecision(c.Request.Context(), actorFromContext(c), c.Param("id"))
	h.respond(c, http.StatusOK, detail, err)
}

// Close godoc
// @Summary Close a decided case
// @Tags Discipline
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/close [post]
func (h *DisciplineHandler) Close(c *gin.Context) {
	detail, err := h.cases.Close(c.Request.Context(), actorFromContext(c), c.Param("id"))
	h.respond(c, http.StatusOK, detail, err)
}

// SetDeadline godoc
// @Summary Set or clear the descargos deadline
// @Tags Discipline
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.DeadlineRequest true "Deadline"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/descargos-deadline [put]
func (h *DisciplineHandler) SetDeadline(c *gin.Context) {
	var req dto.DeadlineRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.SetDescargosDeadline(c.Request.Context(), actorFromContext(c), c.Param("id"), req.DueAt)
	h.respond(c, http.StatusOK, detail, err)
}

// AddNote godoc
// @Summary Append a clarifying note
// @Tags Discipline
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.NoteRequest true "Note"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/notes [post]
func (h *DisciplineHandler) AddNote(c *gin.Context) {
	var req dto.NoteRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.AddNote(c.Request.Context(), actorFromContext(c), c.Param("id"), req.Text)
	h.respond(c, http.StatusOK, detail, err)
}

// UpdateEvent godoc
// @Summary Amend a note or descargos entry
// @Tags Discipline
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param event_id path string true "Event ID"
// @Param payload body dto.UpdateEventRequest true "Text"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/events/{event_id} [patch]
func (h *DisciplineHandler) UpdateEvent(c *gin.Context) {
	var req dto.UpdateEventRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.UpdateEvent(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("event_id"), req.Text)
	h.respond(c, http.StatusOK, detail, err)
}

// DeleteEvent godoc
// @Summary Remove a note or descargos entry
// @Tags Discipline
// @Produce json
// @Param id path string true "Case ID"
// @Param event_id path string true "Event ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/events/{event_id} [delete]
func (h *DisciplineHandler) DeleteEvent(c *gin.Context) {
	detail, err := h.cases.DeleteEvent(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("event_id"))
	h.respond(c, http.StatusOK, detail, err)
}

// AddParticipant godoc
// @Summary Link a student to the case
// @Tags Discipline
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.AddParticipantRequest true "Participant"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/participants [post]
func (h *DisciplineHandler) AddParticipant(c *gin.Context) {
	var req dto.AddParticipantRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.AddParticipant(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	h.respond(c, http.StatusOK, detail, err)
}

// UploadAttachments godoc
// @Summary Upload evidence files
// @Description Files are stored one by one; the first rejected file stops the batch.
// @Tags Discipline
// @Accept mpfd
// @Produce json
// @Param id path string true "Case ID"
// @Param kind formData string true "EVIDENCE, DESCARGOS, NOTIFICATION or OTHER"
// @Param description formData string false "Description"
// @Param files formData file true "Files"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/attachments [post]
func (h *DisciplineHandler) UploadAttachments(c *gin.Context) {
	var req dto.AttachmentRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Invalid(err, "invalid payload"))
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "multipart form required"))
		return
	}
	headers := append(form.File["files"], form.File["file"]...)
	if len(headers) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "at least one file is required"))
		return
	}
	if len(headers) > maxUploadFiles {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d files per upload", maxUploadFiles)))
		return
	}

	var detail *dto.CaseDetail
	for _, header := range headers {
		file, closeFn, err := openUpload(header)
		if err != nil {
			response.Error(c, err)
			return
		}
		detail, err = h.cases.AddAttachment(c.Request.Context(), actorFromContext(c), c.Param("id"), req, file)
		closeFn()
		if err != nil {
			response.Error(c, err)
			return
		}
	}
	h.respond(c, http.StatusOK, detail, nil)
}

func openUpload(header *multipart.FileHeader) (service.UploadFile, func(), error) {
	f, err := header.Open()
	if err != nil {
		return service.UploadFile{}, func() {}, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable file")
	}
	return service.UploadFile{Filename: header.Filename, Size: header.Size, Content: f}, func() { _ = f.Close() }, nil
}

// DownloadAttachment godoc
// @Summary Download an attachment through a signed link
// @Tags Discipline
// @Produce octet-stream
// @Param id path string true "Case ID"
// @Param aid path string true "Attachment ID"
// @Param token query string true "Signed token"
// @Success 200 {file} file
// @Router /cases/{id}/attachments/{aid}/download [get]
func (h *DisciplineHandler) DownloadAttachment(c *gin.Context) {
	att, file, err := h.cases.OpenAttachment(c.Request.Context(), c.Param("id"), c.Param("aid"), c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	c.Header("Content-Type", att.MimeType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	c.Header("Cache-Control", "private, no-store")
	http.ServeContent(c.Writer, c.Request, att.Filename, att.CreatedAt, file)
}

// NotifyGuardian godoc
// @Summary Log a guardian notification
// @Tags Discipline
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.NotifyGuardianRequest true "Notification"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/notify-guardian [post]
func (h *DisciplineHandler) NotifyGuardian(c *gin.Context) {
	var req dto.NotifyGuardianRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.NotifyGuardian(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	h.respond(c, http.StatusOK, detail, err)
}

// Acknowledge godoc
// @Summary Acknowledge a guardian notification
// @Tags Discipline
// @Accept json
// @Produce json
// @Param id path string true "Case ID"
// @Param payload body dto.AcknowledgeRequest true "Acknowledgement"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/acknowledge [post]
func (h *DisciplineHandler) Acknowledge(c *gin.Context) {
	var req dto.AcknowledgeRequest
	if !bindJSON(c, &req) {
		return
	}
	detail, err := h.cases.AcknowledgeGuardian(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	h.respond(c, http.StatusOK, detail, err)
}

// GenerateSuggestion godoc
// @Summary Ask the decision engine for a proposal
// @Tags Discipline
// @Produce json
// @Param id path string true "Case ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ai/suggest [post]
func (h *DisciplineHandler) GenerateSuggestion(c *gin.Context) {
	detail, err := h.cases.GenerateSuggestion(c.Request.Context(), actorFromContext(c), c.Param("id"))
	h.respond(c, http.StatusOK, detail, err)
}

// ApproveSuggestion godoc
// @Summary Approve the latest draft suggestion
// @Tags Discipline
// @Produce json
// @Param id path string true "Case ID"
// @Param sid path string true "Suggestion ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ai/suggestions/{sid}/approve [post]
func (h *DisciplineHandler) ApproveSuggestion(c *gin.Context) {
	detail, err := h.cases.ApproveSuggestion(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("sid"))
	h.respond(c, http.StatusOK, detail, err)
}

// RejectSuggestion godoc
// @Summary Reject the latest draft suggestion
// @Tags Discipline
// @Produce json
// @Param id path string true "Case ID"
// @Param sid path string true "Suggestion ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ai/suggestions/{sid}/reject [post]
func (h *DisciplineHandler) RejectSuggestion(c *gin.Context) {
	detail, err := h.cases.RejectSuggestion(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("sid"))
	h.respond(c, http.StatusOK, detail, err)
}

// ApplySuggestion godoc
// @Summary Write an approved suggestion as the decision
// @Tags Discipline
// @Produce json
// @Param id path string true "Case ID"
// @Param sid path string true "Suggestion ID"
// @Success 200 {object} response.Envelope
// @Router /cases/{id}/ai/suggestions/{sid}/apply [post]
func (h *DisciplineHandler) ApplySuggestion(c *gin.Context) {
	detail, err := h.cases.ApplySuggestion(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("sid"))
	h.respond(c, http.StatusOK, detail, err)
}

// Acta godoc
// @Summary Download the case acta as PDF
// @Tags Discipline
// @Produce application/pdf
// @Param id path string true "Case ID"
// @Success 200 {file} file
// @Router /cases/{id}/acta [get]
func (h *DisciplineHandler) Acta(c *gin.Context) {
	file, err := h.exports.Acta(c.Request.Context(), actorFromContext(c), c.Param("id"))
	sendFile(c, file, err)
}

// Export godoc
// @Summary Export the case register
// @Tags Discipline
// @Produce text/csv,application/pdf
// @Param format query string false "csv or pdf"
// @Param status query string false "Comma separated statuses"
// @Param studentId query string false "Filter by student"
// @Success 200 {file} file
// @Router /cases/export [get]
func (h *DisciplineHandler) Export(c *gin.Context) {
	file, err := h.exports.Register(c.Request.Context(), actorFromContext(c), parseCaseQuery(c), c.Query("format"))
	sendFile(c, file, err)
}

func sendFile(c *gin.Context, file *service.ExportFile, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.ContentType, file.Filename, file.Data)
}

// SearchStudents godoc
// @Summary Search students for the participant picker
// @Tags Discipline
// @Produce json
// @Param q query string true "Name or NIS fragment"
// @Param limit query int false "Maximum results"
// @Success 200 {object} response.Envelope
// @Router /students/search [get]
func (h *DisciplineHandler) SearchStudents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "limit must be a number"))
		return
	}
	results, err := h.cases.SearchStudents(c.Request.Context(), actorFromContext(c), c.Query("q"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, results, nil)
}
