package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderActa(t *testing.T) {
	sealedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	data, err := NewPDFExporter().RenderActa(Acta{
		CaseID:     "case-1",
		Student:    "Ana Gómez",
		OccurredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Severity:   "MAJOR",
		Status:     "CLOSED",
		Narrative:  "Pelea en el patio durante el descanso.",
		Timeline: []ActaEntry{
			{At: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), Label: "DESCARGOS", Detail: "Mi versión..."},
		},
		Decision:    "Suspensión 3 días",
		SealedAt:    &sealedAt,
		SealedHash:  "abc123",
		GeneratedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestRenderActaRequiresCase(t *testing.T) {
	_, err := NewPDFExporter().RenderActa(Acta{})
	require.Error(t, err)
}

func TestRenderRegister(t *testing.T) {
	data, err := NewPDFExporter().Render(Dataset{
		Headers: []string{"id", "status"},
		Rows:    []map[string]string{{"id": "case-1", "status": "OPEN"}},
	}, "Case register")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))

	_, err = NewPDFExporter().Render(Dataset{}, "")
	require.Error(t, err)
}

func TestCSVRender(t *testing.T) {
	data, err := NewCSVExporter().Render(Dataset{
		Headers: []string{"id", "status"},
		Rows:    []map[string]string{{"id": "case-1", "status": "OPEN"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "id,status\ncase-1,OPEN\n", string(data))
}

func TestCSVNeutralizesFormulas(t *testing.T) {
	data, err := NewCSVExporter().Render(Dataset{
		Headers: []string{"note"},
		Rows:    []map[string]string{{"note": "=HYPERLINK(\"x\")"}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), "'=HYPERLINK")
}
