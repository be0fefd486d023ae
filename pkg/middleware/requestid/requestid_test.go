package requestid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, header string) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var fromGin, fromCtx string
	r := gin.New()
	r.Use(Middleware())
	r.GET("/", func(c *gin.Context) {
		fromGin = Value(c)
		fromCtx = FromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(Header, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w, fromGin, fromCtx
}

func TestMiddlewareGeneratesID(t *testing.T) {
	w, fromGin, fromCtx := serve(t, "")
	_, err := uuid.Parse(fromGin)
	require.NoError(t, err)
	assert.Equal(t, fromGin, fromCtx)
	assert.Equal(t, fromGin, w.Header().Get(Header))
}

func TestMiddlewareKeepsCallerID(t *testing.T) {
	w, fromGin, _ := serve(t, "upstream-42")
	assert.Equal(t, "upstream-42", fromGin)
	assert.Equal(t, "upstream-42", w.Header().Get(Header))
}

func TestMiddlewareReplacesOversizedID(t *testing.T) {
	long := strings.Repeat("x", maxLength+1)
	_, fromGin, _ := serve(t, long)
	assert.NotEqual(t, long, fromGin)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FromContext(ctx))
	assert.Equal(t, ctx, NewContext(ctx, ""))
	assert.Equal(t, "abc", FromContext(NewContext(ctx, "abc")))
}
