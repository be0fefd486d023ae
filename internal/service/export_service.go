package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
	"github.com/noah-isme/sma-discipline-api/pkg/export"
)

const registerExportLimit = 5000

type caseReader interface {
	Get(ctx context.Context, actor discipline.Actor, caseID string) (*dto.CaseDetail, error)
	List(ctx context.Context, actor discipline.Actor, query dto.CaseQuery) ([]models.DisciplineCase, *models.Pagination, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
	RenderActa(acta export.Acta) ([]byte, error)
}

// ExportFile is a rendered document ready to be streamed.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService renders case actas and the case register.
type ExportService struct {
	cases    caseReader
	students studentDirectory
	csv      csvRenderer
	pdf      pdfRenderer
	logger   *zap.Logger
	now      func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(cases caseReader, students studentDirectory, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		cases:    cases,
		students: students,
		csv:      csv,
		pdf:      pdf,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Acta renders the printable record of one case.
func (s *ExportService) Acta(ctx context.Context, actor discipline.Actor, caseID string) (*ExportFile, error) {
	if !actor.Capabilities().CanDownloadActa {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to download the acta")
	}
	detail, err := s.cases.Get(ctx, actor, caseID)
	if err != nil {
		return nil, err
	}
	data, err := s.pdf.RenderActa(s.buildActa(ctx, detail))
	if err != nil {
		return nil, internal("render acta", err)
	}
	s.logger.Info("acta rendered", zap.String("case_id", caseID), zap.String("by", actor.ID))
	return &ExportFile{
		Filename:    fmt.Sprintf("acta-%s.pdf", sanitizeFilename(caseID)),
		ContentType: "application/pdf",
		Data:        data,
	}, nil
}

func (s *ExportService) buildActa(ctx context.Context, detail *dto.CaseDetail) export.Acta {
	c := detail.Case
	acta := export.Acta{
		CaseID:      c.ID,
		Student:     s.studentLabel(ctx, c.StudentID),
		OccurredAt:  c.OccurredAt,
		Location:    c.Location,
		Severity:    string(c.ManualSeverity),
		Law1620Type: string(c.Law1620Type),
		Status:      string(c.Status),
		Narrative:   c.Narrative,
		DecidedAt:   c.DecidedAt,
		SealedAt:    c.SealedAt,
		GeneratedAt: s.now(),
	}
	if c.DecisionText != nil {
		acta.Decision = *c.DecisionText
	}
	if c.SealedHash != nil {
		acta.SealedHash = *c.SealedHash
	}
	for _, p := range detail.Participants {
		entry := export.ActaEntry{Label: string(p.Role), Detail: s.studentLabel(ctx, p.StudentID)}
		if p.Notes != nil {
			entry.Detail += " (" + *p.Notes + ")"
		}
		acta.Participants = append(acta.Participants, entry)
	}
	for _, e := range detail.Events {
		acta.Timeline = append(acta.Timeline, export.ActaEntry{At: e.CreatedAt, Label: string(e.EventType), Detail: e.Text})
	}
	for _, l := range detail.NotificationLogs {
		line := fmt.Sprintf("%s to %s", l.Status, l.Recipient)
		if l.AcknowledgedAt != nil {
			line += ", acknowledged " + l.AcknowledgedAt.UTC().Format("2006-01-02 15:04")
		}
		acta.Guardian = append(acta.Guardian, export.ActaEntry{At: l.CreatedAt, Label: string(l.Channel), Detail: line})
	}
	return acta
}

func (s *ExportService) studentLabel(ctx context.Context, studentID string) string {
	if s.students == nil {
		return studentID
	}
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		s.logger.Debug("student lookup for export failed", zap.String("student_id", studentID), zap.Error(err))
		return studentID
	}
	return fmt.Sprintf("%s (%s)", student.FullName, student.NIS)
}

// Register renders the filtered case list as CSV or PDF.
func (s *ExportService) Register(ctx context.Context, actor discipline.Actor, query dto.CaseQuery, format string) (*ExportFile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "pdf" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	rows := make([]map[string]string, 0)
	query.Page = 1
	query.PageSize = 200
	for len(rows) < registerExportLimit {
		cases, page, err := s.cases.List(ctx, actor, query)
		if err != nil {
			return nil, err
		}
		for _, c := range cases {
			rows = append(rows, registerRow(c))
		}
		if len(cases) < query.PageSize || len(rows) >= page.TotalCount {
			break
		}
		query.Page++
	}

	dataset := export.Dataset{Headers: registerHeaders, Rows: rows}
	stamp := s.now().Format("20060102_150405")
	var (
		data []byte
		err  error
		ct   string
	)
	if format == "pdf" {
		data, err = s.pdf.Render(dataset, "Discipline case register")
		ct = "application/pdf"
	} else {
		data, err = s.csv.Render(dataset)
		ct = "text/csv"
	}
	if err != nil {
		return nil, internal("render register", err)
	}
	return &ExportFile{Filename: fmt.Sprintf("cases_%s.%s", stamp, format), ContentType: ct, Data: data}, nil
}

var registerHeaders = []string{"Case ID", "Student ID", "Occurred At", "Severity", "Law 1620", "Status", "Decided At", "Sealed At"}

func registerRow(c models.DisciplineCase) map[string]string {
	return map[string]string{
		"Case ID":     c.ID,
		"Student ID":  c.StudentID,
		"Occurred At": c.OccurredAt.UTC().Format(time.RFC3339),
		"Severity":    string(c.ManualSeverity),
		"Law 1620":    string(c.Law1620Type),
		"Status":      string(c.Status),
		"Decided At":  formatReportTime(c.DecidedAt),
		"Sealed At":   formatReportTime(c.SealedAt),
	}
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func formatReportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
