package service

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

func TestExportActa(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detail := f.withDescargos(t)
	_, err := f.svc.AddParticipant(ctx, teacherActor, detail.Case.ID, dto.AddParticipantRequest{StudentID: "student-2", Role: models.ParticipantWitness})
	require.NoError(t, err)
	_, err = f.svc.Close(ctx, coordinatorActor, detail.Case.ID)
	require.NoError(t, err)

	exports := NewExportService(f.svc, f.svc.students, zap.NewNop(), nil, nil)
	file, err := exports.Acta(ctx, teacherActor, detail.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", file.ContentType)
	assert.True(t, strings.HasPrefix(file.Filename, "acta-"))
	assert.True(t, bytes.HasPrefix(file.Data, []byte("%PDF")))

	_, err = exports.Acta(ctx, parentActor, detail.Case.ID)
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))

	_, err = exports.Acta(ctx, adminActor, "missing")
	assert.Equal(t, appErrors.ErrNotFound.Code, codeOf(err))
}

func TestExportRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.open(t)
	f.open(t)
	exports := NewExportService(f.svc, f.svc.students, zap.NewNop(), nil, nil)

	file, err := exports.Register(ctx, teacherActor, dto.CaseQuery{}, "")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", file.ContentType)
	lines := strings.Split(strings.TrimSpace(string(file.Data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Case ID,Student ID,Occurred At,Severity,Law 1620,Status,Decided At,Sealed At", lines[0])
	assert.Contains(t, string(file.Data), first.Case.ID)

	file, err = exports.Register(ctx, teacherActor, dto.CaseQuery{}, "PDF")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(file.Data, []byte("%PDF")))

	_, err = exports.Register(ctx, teacherActor, dto.CaseQuery{}, "xlsx")
	assert.Equal(t, appErrors.ErrValidation.Code, codeOf(err))

	_, err = exports.Register(ctx, discipline.Actor{}, dto.CaseQuery{}, "csv")
	assert.Equal(t, appErrors.ErrForbidden.Code, codeOf(err))
}
