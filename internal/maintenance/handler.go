package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"secure-store/internal/auth"
	"secure-store/internal/observability"
)

// Cleaner removes expired credential state in bounded batches.
type Cleaner interface {
	Cleanup(ctx context.Context, batchSize int) (auth.CleanupResult, error)
}

// CleanupHandler lets an external cron trigger Cleaner over HTTP. It is
// hidden (404) unless a cron secret is configured.
type CleanupHandler struct {
	cleaner    Cleaner
	logger     *observability.Logger
	cronSecret string
	batchSize  int
}

func NewCleanupHandler(cleaner Cleaner, logger *observability.Logger, cronSecret string, batchSize int) *CleanupHandler {
	return &CleanupHandler{
		cleaner:    cleaner,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := runCleanup(r.Context(), h.cleaner, h.logger, h.batchSize, "http")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func runCleanup(ctx context.Context, cleaner Cleaner, logger *observability.Logger, batchSize int, trigger string) (auth.CleanupResult, error) {
	result, err := cleaner.Cleanup(ctx, batchSize)
	if err != nil {
		observability.CaptureError(ctx, err)
		logger.Error("auth_cleanup_failed", map[string]any{"trigger": trigger, "error": err.Error()})
		return auth.CleanupResult{}, err
	}

	logger.Info("auth_cleanup_completed", map[string]any{
		"trigger":                trigger,
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
		"cleared_reset_tokens":   result.ClearedResetTokens,
	})
	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
