package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getsentry/sentry-go"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesEventAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := FromZap(zap.New(core))

	logger.Info("server_start", map[string]any{"addr": ":8080"})
	logger.Error("boom", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "server_start", entries[0].Message)
	assert.Equal(t, ":8080", entries[0].ContextMap()["addr"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
}

func TestRecoverReturns500(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := Recover(FromZap(zap.New(core)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaput")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	require.Equal(t, 1, logs.FilterMessage("panic_recovered").Len())
}

func TestRequestLoggingRecordsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestLogging(FromZap(zap.New(core)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "10.0.0.1", fields["ip"])
}

func TestRequestLoggingWarnsOnServerError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestLogging(FromZap(zap.New(core)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Positive(t, entries[0].ContextMap()["bytes"])
}

func TestScrubEventDropsSecrets(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{
		Data:    `{"password":"hunter22"}`,
		Cookies: "session=abc",
		Headers: map[string]string{"authorization": "Bearer x", "User-Agent": "curl"},
	}}

	out := scrubEvent(event, nil)
	assert.Empty(t, out.Request.Data)
	assert.Empty(t, out.Request.Cookies)
	assert.Equal(t, map[string]string{"User-Agent": "curl"}, out.Request.Headers)
	assert.Nil(t, scrubEvent(nil, nil))
}

func TestSentryScopeAttachesHub(t *testing.T) {
	var hub *sentry.Hub
	handler := chiMiddleware.RequestID(SentryScope(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub = sentry.GetHubFromContext(r.Context())
		CaptureError(r.Context(), nil)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, hub)
	assert.NotSame(t, sentry.CurrentHub(), hub)
}
