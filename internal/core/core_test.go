package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"cmipdiag/internal/config"
	"cmipdiag/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Server: config.ServerConfig{RequestTimeout: time.Second}}
	s, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func decodeError(t *testing.T, body io.Reader) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestNewServerRequiresDependencies(t *testing.T) {
	if _, err := NewServer(nil, slog.Default()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestErrorMapsAppErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "validation",
			err:        types.NewAppError(types.ErrCodeValidationInvalidFacet, "unknown facet \"colour\"", nil),
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_invalid_facet",
			wantMsg:    "unknown facet \"colour\"",
		},
		{
			name:       "not found",
			err:        types.NewAppError(types.ErrCodeNotFoundRun, "run not found", nil),
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found_run",
			wantMsg:    "run not found",
		},
		{
			name:       "wrapped upstream",
			err:        errors.Join(errors.New("ctx"), types.NewAppError(types.ErrCodeUpstreamStore, "bucket unavailable", errors.New("dial tcp"))),
			wantStatus: http.StatusBadGateway,
			wantCode:   "upstream_store_unavailable",
			wantMsg:    "bucket unavailable",
		},
		{
			name:       "plain error hides message",
			err:        errors.New("password=hunter2"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_unexpected_error",
			wantMsg:    "an unexpected error occurred",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r = r.WithContext(types.WithRequestID(r.Context(), "req-1"))
			w := httptest.NewRecorder()

			Error(w, r, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			detail := decodeError(t, w.Body)
			if detail.Code != tt.wantCode || detail.Message != tt.wantMsg {
				t.Errorf("got %s %q, want %s %q", detail.Code, detail.Message, tt.wantCode, tt.wantMsg)
			}
			if detail.RequestID != "req-1" {
				t.Errorf("request_id = %q", detail.RequestID)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Diagnostic string `json:"diagnostic"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"diagnostic":"ecs"}`, false},
		{"empty", ``, true},
		{"syntax", `{"diagnostic":`, true},
		{"unknown field", `{"diagnostic":"ecs","colour":"red"}`, true},
		{"type mismatch", `{"diagnostic":3}`, true},
		{"trailing value", `{"diagnostic":"ecs"}{"diagnostic":"gmst"}`, true},
		{"too large", `{"diagnostic":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			err := DecodeJSON(httptest.NewRecorder(), r, &dst)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if types.CodeOf(err) != errCodeValidationInvalidJSON {
				t.Errorf("code = %s, want %s", types.CodeOf(err), errCodeValidationInvalidJSON)
			}
		})
	}
}

func TestRecovererWritesEnvelope(t *testing.T) {
	s := newTestServer(t)
	h := s.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom \"quoted\"")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if detail := decodeError(t, w.Body); detail.Code != "internal_unexpected_error" {
		t.Errorf("code = %s", detail.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "abc")
	h.ServeHTTP(w, r)
	if seen != "abc" || w.Header().Get("X-Request-Id") != "abc" {
		t.Errorf("propagated id = %q, header = %q", seen, w.Header().Get("X-Request-Id"))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc" || w.Header().Get("X-Request-Id") != seen {
		t.Errorf("generated id = %q, header = %q", seen, w.Header().Get("X-Request-Id"))
	}
}

func TestContextTimeoutMiddleware(t *testing.T) {
	h := ContextTimeoutMiddleware(50 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("expected a deadline")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRequestLoggerRedactsHeaders(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestLogger(logger, []string{"authorization"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Run-Id", "run-9")
		w.WriteHeader(http.StatusAccepted)
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	r.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(httptest.NewRecorder(), r)

	out := buf.String()
	if strings.Contains(out, "secret") {
		t.Errorf("log leaked header value: %s", out)
	}
	for _, want := range []string{"status=202", "run_id=run-9", "[REDACTED]"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q: %s", want, out)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://notebooks.example.org"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	r.Header.Set("Origin", "https://notebooks.example.org")
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://notebooks.example.org" {
		t.Errorf("allow origin = %q", got)
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/v1/datasets", nil)
	r.Header.Set("Origin", "https://elsewhere.example.org")
	h.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestMountRoutes(t *testing.T) {
	s := newTestServer(t)
	s.V1RouteRegistrars = append(s.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, APIResponse{Data: "pong"})
		})
	})
	s.MountRoutes()

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing request id")
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	s.HealthProbes = []HealthProbe{
		NewProbe("database", func(context.Context) error { return nil }),
		NewProbe("catalog", func(context.Context) error { return errors.New("catalog unreadable") }),
	}
	w := httptest.NewRecorder()
	s.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Components["database"].Status != "healthy" {
		t.Errorf("database = %+v", resp.Components["database"])
	}
	if c := resp.Components["catalog"]; c.Status != "unhealthy" || c.Message != "catalog unreadable" {
		t.Errorf("catalog = %+v", c)
	}
}

func TestHandleHealthPanickingProbe(t *testing.T) {
	s := newTestServer(t)
	s.HealthProbes = []HealthProbe{NewProbe("database", func(context.Context) error { panic("nil pool") })}
	w := httptest.NewRecorder()
	s.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestShutdownRunsAllClosers(t *testing.T) {
	s := newTestServer(t)
	var closed []string
	s.Closers = []func() error{
		func() error { closed = append(closed, "a"); return errors.New("a failed") },
		func() error { closed = append(closed, "b"); return nil },
	}
	if err := s.Shutdown(context.Background()); err == nil {
		t.Error("expected joined error")
	}
	if len(closed) != 2 {
		t.Errorf("closed = %v", closed)
	}
}

func TestValidateStruct(t *testing.T) {
	type selection struct {
		Models []string `json:"models" validate:"omitempty,dive,required"`
	}
	type request struct {
		Diagnostic string    `json:"diagnostic" validate:"required,diagnostic"`
		Selection  selection `json:"selection"`
	}
	v := NewValidator(slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := v.ValidateStruct(request{Diagnostic: "ecs"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := v.ValidateStruct(request{Diagnostic: "tcr", Selection: selection{Models: []string{"A", ""}}})
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidRequest {
		t.Errorf("code = %s", appErr.Code)
	}
	if appErr.Details["diagnostic"] != "diagnostic" {
		t.Errorf("details = %v", appErr.Details)
	}
	if appErr.Details["selection.models[1]"] != "required" {
		t.Errorf("details = %v", appErr.Details)
	}
}
