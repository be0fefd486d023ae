package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// PDFExporter renders case documents with gofpdf.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a landscape PDF table with an optional title.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(10, 15, 10)
	pdf.AddPage()

	if title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, tr(strings.ToUpper(title)), "", 1, "C", false, 0, "")
		pdf.Ln(5)
	}

	pdf.SetFont("Arial", "B", 9)
	colWidth := 277.0 / float64(len(data.Headers))
	for _, header := range data.Headers {
		pdf.CellFormat(colWidth, 8, tr(header), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, row := range data.Rows {
		for _, header := range data.Headers {
			pdf.CellFormat(colWidth, 7, tr(truncate(row[header], 48)), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}
	return output(pdf)
}

// ActaEntry is one line of a timeline or log section.
type ActaEntry struct {
	At     time.Time
	Label  string
	Detail string
}

// Acta is the printable record of a disciplinary case.
type Acta struct {
	CaseID       string
	Student      string
	OccurredAt   time.Time
	Location     string
	Severity     string
	Law1620Type  string
	Status       string
	Narrative    string
	Participants []ActaEntry
	Timeline     []ActaEntry
	Decision     string
	DecidedAt    *time.Time
	Guardian     []ActaEntry
	SealedAt     *time.Time
	SealedHash   string
	GeneratedAt  time.Time
}

// RenderActa lays out the case record as a portrait A4 document.
func (e *PDFExporter) RenderActa(acta Acta) ([]byte, error) {
	if acta.CaseID == "" {
		return nil, fmt.Errorf("acta requires a case id")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(15, 15, 15)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 6, fmt.Sprintf("Case %s - page %d", acta.CaseID, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 15)
	pdf.CellFormat(0, 10, "ACTA DE CASO DISCIPLINARIO", "", 1, "C", false, 0, "")
	pdf.Ln(3)

	field := func(label, value string) {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 7, tr(label), "", 0, "", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(0, 7, tr(value), "", "", false)
	}
	section := func(title string) {
		pdf.Ln(3)
		pdf.SetFont("Arial", "B", 11)
		pdf.SetFillColor(230, 230, 230)
		pdf.CellFormat(0, 8, tr(title), "", 1, "", true, 0, "")
		pdf.Ln(1)
	}
	entries := func(items []ActaEntry, empty string) {
		pdf.SetFont("Arial", "", 9)
		if len(items) == 0 {
			pdf.MultiCell(0, 6, tr(empty), "", "", false)
			return
		}
		for _, item := range items {
			prefix := item.Label
			if !item.At.IsZero() {
				prefix = item.At.UTC().Format("2006-01-02 15:04") + "  " + item.Label
			}
			line := prefix
			if item.Detail != "" {
				line += ": " + item.Detail
			}
			pdf.MultiCell(0, 6, tr(line), "", "", false)
		}
	}

	field("Case", acta.CaseID)
	field("Student", acta.Student)
	field("Occurred at", acta.OccurredAt.UTC().Format("2006-01-02 15:04 MST"))
	field("Location", acta.Location)
	field("Severity", acta.Severity)
	field("Law 1620 type", acta.Law1620Type)
	field("Status", acta.Status)

	section("Narrative")
	pdf.SetFont("Arial", "", 10)
	pdf.MultiCell(0, 6, tr(acta.Narrative), "", "", false)

	section("Participants")
	entries(acta.Participants, "No additional participants.")

	section("Timeline")
	entries(acta.Timeline, "No events recorded.")

	section("Decision")
	pdf.SetFont("Arial", "", 10)
	if acta.Decision == "" {
		pdf.MultiCell(0, 6, "No decision recorded.", "", "", false)
	} else {
		pdf.MultiCell(0, 6, tr(acta.Decision), "", "", false)
		if acta.DecidedAt != nil {
			field("Decided at", acta.DecidedAt.UTC().Format("2006-01-02 15:04 MST"))
		}
	}

	section("Guardian notifications")
	entries(acta.Guardian, "No notification attempts recorded.")

	if acta.SealedAt != nil {
		section("Seal")
		field("Sealed at", acta.SealedAt.UTC().Format("2006-01-02 15:04:05 MST"))
		pdf.SetFont("Courier", "", 8)
		pdf.MultiCell(0, 5, "SHA3-256 "+acta.SealedHash, "", "", false)
	}

	pdf.Ln(6)
	pdf.SetFont("Arial", "I", 8)
	pdf.CellFormat(0, 5, "Generated "+acta.GeneratedAt.UTC().Format(time.RFC3339), "", 1, "R", false, 0, "")
	return output(pdf)
}

func output(pdf *gofpdf.Fpdf) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
