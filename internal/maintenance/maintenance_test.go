package maintenance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"secure-store/internal/auth"
	"secure-store/internal/observability"
)

type fakeCleaner struct {
	calls     atomic.Int32
	lastBatch atomic.Int32
	err       error
}

func (f *fakeCleaner) Cleanup(_ context.Context, batchSize int) (auth.CleanupResult, error) {
	f.calls.Add(1)
	f.lastBatch.Store(int32(batchSize))
	if f.err != nil {
		return auth.CleanupResult{}, f.err
	}
	return auth.CleanupResult{DeletedRefreshTokens: 3, ClearedResetTokens: 1}, nil
}

func observedLogger() (*observability.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return observability.FromZap(zap.New(core)), logs
}

func serve(h *CleanupHandler, method, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestCleanupHandlerHiddenWithoutSecret(t *testing.T) {
	cleaner := &fakeCleaner{}
	h := NewCleanupHandler(cleaner, observability.NewNopLogger(), "  ", 100)

	rec := serve(h, http.MethodPost, "Bearer anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, cleaner.calls.Load())
}

func TestCleanupHandlerAuth(t *testing.T) {
	cleaner := &fakeCleaner{}
	h := NewCleanupHandler(cleaner, observability.NewNopLogger(), "s3cret", 100)

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "Basic s3cret").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodDelete, "Bearer s3cret").Code)
	assert.Zero(t, cleaner.calls.Load())
}

func TestCleanupHandlerRuns(t *testing.T) {
	cleaner := &fakeCleaner{}
	logger, logs := observedLogger()
	h := NewCleanupHandler(cleaner, logger, "s3cret", 250)

	rec := serve(h, http.MethodGet, "bearer s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","result":{"deleted_refresh_tokens":3,"cleared_reset_tokens":1}}`, rec.Body.String())
	assert.EqualValues(t, 250, cleaner.lastBatch.Load())

	entries := logs.FilterMessage("auth_cleanup_completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "http", entries[0].ContextMap()["trigger"])
	assert.EqualValues(t, 3, entries[0].ContextMap()["deleted_refresh_tokens"])
}

func TestCleanupHandlerFailure(t *testing.T) {
	cleaner := &fakeCleaner{err: errors.New("db down")}
	logger, logs := observedLogger()
	h := NewCleanupHandler(cleaner, logger, "s3cret", 100)

	rec := serve(h, http.MethodPost, "Bearer s3cret")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("auth_cleanup_failed").Len())
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler("every tuesday", &fakeCleaner{}, observability.NewNopLogger(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse cleanup schedule")
}

func TestSchedulerRunsCleanup(t *testing.T) {
	cleaner := &fakeCleaner{}
	logger, logs := observedLogger()

	s, err := NewScheduler("@every 1s", cleaner, logger, 42)
	require.NoError(t, err)
	s.Start()

	assert.Eventually(t, func() bool { return cleaner.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, s.Next().IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.EqualValues(t, 42, cleaner.lastBatch.Load())
	assert.GreaterOrEqual(t, logs.FilterField(zap.String("trigger", "cron")).Len(), 1)
}
