package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"codegrader/internal/common/http/middleware"
	"codegrader/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seenTrace interface{}
	r := gin.New()
	r.Use(middleware.TraceContextMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		seenTrace = c.Request.Context().Value(contextkey.TraceID)
		c.Status(http.StatusNoContent)
	})

	t.Run("propagates header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Trace-Id", "abc")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if seenTrace != "abc" {
			t.Fatalf("trace id in context = %v", seenTrace)
		}
		if got := w.Header().Get("X-Trace-Id"); got != "abc" {
			t.Fatalf("trace header = %q", got)
		}
	})

	t.Run("generates ids", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Header().Get("X-Trace-Id") == "" || w.Header().Get("X-Request-Id") == "" {
			t.Fatal("expected generated ids in response headers")
		}
	})
}
