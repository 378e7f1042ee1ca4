package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/granjadebolso/granja-sync/internal/audit"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
)

// AuditReader читает журнал безопасности с фильтрацией.
type AuditReader interface {
	FetchEntries(ctx context.Context, entity, userID string, limit int) ([]audit.Entry, error)
}

type AuditHandler struct {
	repo AuditReader
}

func NewAuditHandler(repo AuditReader) *AuditHandler {
	return &AuditHandler{repo: repo}
}

// GetLogs возвращает события журнала безопасности вызывающего.
// GET /v1/audit?entity=lotes&limit=50
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	// Пользователь видит только собственный след — фильтр по user_id обязателен
	userID, _ := auth.UserIDFromContext(r.Context())
	entity := r.URL.Query().Get("entity")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.repo.FetchEntries(r.Context(), entity, userID, limit)
	if err != nil {
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
