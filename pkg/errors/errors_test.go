package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	StudentID string `validate:"required"`
	Severity  string `validate:"required,oneof=MINOR MAJOR"`
}

func TestInvalidListsFailingFields(t *testing.T) {
	err := validator.New().Struct(payload{Severity: "LOW"})
	require.Error(t, err)

	appErr := Invalid(err, "invalid payload")
	assert.Equal(t, ErrValidation.Code, appErr.Code)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
	assert.Equal(t, "invalid payload", appErr.Message)

	detail, ok := appErr.Detail.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]string{"StudentID": "required", "Severity": "oneof"}, detail["fields"])
}

func TestInvalidWithoutFieldErrors(t *testing.T) {
	appErr := Invalid(fmt.Errorf("unexpected EOF"), "")
	assert.Equal(t, ErrValidation.Message, appErr.Message)
	assert.Nil(t, appErr.Detail)
	assert.True(t, IsCode(appErr, ErrValidation.Code))
}

func TestWithDetailCopies(t *testing.T) {
	withDetail := ErrValidation.WithDetail(map[string]interface{}{"field": "text"})
	assert.Nil(t, ErrValidation.Detail)
	assert.NotNil(t, withDetail.Detail)
	assert.Equal(t, ErrValidation.Code, withDetail.Code)
}
