package logging

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsAIAPIPath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/v1/messages", true},
		{"/v1/chat/completions", true},
		{"/v1/responses", true},
		{"/v1beta/models/gemini-2.5-pro:generateContent", true},
		{"/health", false},
		{"/v0/management/accounts", false},
	}
	for _, tc := range cases {
		if got := isAIAPIPath(tc.path); got != tc.want {
			t.Errorf("isAIAPIPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestGinLogrusLoggerSetsRequestIDOnDialectPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(GinLogrusLogger())
	var gotID string
	engine.POST("/v1/messages", func(c *gin.Context) {
		gotID = GetGinRequestID(c)
		c.Status(http.StatusOK)
	})
	var healthID string
	engine.GET("/health", func(c *gin.Context) {
		healthID = GetGinRequestID(c)
		c.Status(http.StatusOK)
	})

	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
	if gotID == "" {
		t.Fatal("expected a request id on a dialect path")
	}
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if healthID != "" {
		t.Fatalf("expected no request id on /health, got %q", healthID)
	}
}

func TestGinLogrusRecoveryAnswers500(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(GinLogrusRecovery())
	engine.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestGinLogrusRecoveryPassesAbortHandlerThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(GinLogrusRecovery())
	engine.GET("/abort", func(c *gin.Context) {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		recovered := recover()
		err, ok := recovered.(error)
		if !ok || !errors.Is(err, http.ErrAbortHandler) {
			t.Fatalf("expected ErrAbortHandler to repanic, got %v", recovered)
		}
	}()
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
}
