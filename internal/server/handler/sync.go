package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
)

// DeltaReader отдает строки вызывающего, измененные после watermark-а.
type DeltaReader interface {
	FetchSince(ctx context.Context, table, userID string, since time.Time) ([]map[string]any, error)
}

// SyncHandler — серверная половина инкрементального pull-а.
type SyncHandler struct {
	repo   DeltaReader
	logger *zap.Logger
}

func NewSyncHandler(repo DeltaReader, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{repo: repo, logger: logger.Named("sync-api")}
}

// Pull — GET /v1/sync/{table}?since=RFC3339Nano.
// Пустой since означает "с начала времен" (первая синхронизация устройства).
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !domain.IsSyncable(table) {
		http.Error(w, "unknown table", http.StatusNotFound)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			http.Error(w, "malformed since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	rows, err := h.repo.FetchSince(r.Context(), table, userID, since)
	if err != nil {
		h.logger.Error("delta fetch failed", zap.String("table", table), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Пустая дельта — валидный ответ: [], а не null
	if rows == nil {
		rows = []map[string]any{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}
