package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
)

// RecordStore — то, что обработчику записей нужно от Postgres.
type RecordStore interface {
	Insert(ctx context.Context, table, userID, id string, data map[string]any) error
	Update(ctx context.Context, table, id string, data map[string]any) error
	Upsert(ctx context.Context, table, userID, id string, data map[string]any) error
	Delete(ctx context.Context, table, userID, id string) error
}

// Hinter объявляет подсказку "данные изменились" для других устройств.
type Hinter interface {
	Publish(ctx context.Context, userID, table string)
}

// RecordHandler принимает мутации клиентской очереди синхронизации.
// Владение строкой к этому моменту уже проверил guard, здесь — только
// нормализация payload-а и запись.
type RecordHandler struct {
	repo   RecordStore
	hints  Hinter
	logger *zap.Logger
}

func NewRecordHandler(repo RecordStore, hints Hinter, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{repo: repo, hints: hints, logger: logger.Named("records")}
}

// Create — POST /v1/records/{table}. pk генерирует клиент и шлет в теле.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	userID, _ := auth.UserIDFromContext(r.Context())

	body, err := decodeBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	id, _ := body["id"].(string)
	if id == "" {
		http.Error(w, "missing record id", http.StatusBadRequest)
		return
	}

	if err := h.repo.Insert(r.Context(), table, userID, id, stripSystemKeys(body)); err != nil {
		h.fail(w, "insert failed", table, err)
		return
	}

	h.hints.Publish(r.Context(), userID, table)
	w.WriteHeader(http.StatusCreated)
}

// Update — PATCH /v1/records/{table}/{id}: частичное слияние payload-а.
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	userID, _ := auth.UserIDFromContext(r.Context())

	body, err := decodeBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.repo.Update(r.Context(), table, id, stripSystemKeys(body)); err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			http.Error(w, "resource not found", http.StatusNotFound)
			return
		}
		h.fail(w, "update failed", table, err)
		return
	}

	h.hints.Publish(r.Context(), userID, table)
	w.WriteHeader(http.StatusOK)
}

// Upsert — PUT /v1/records/{table}/{id}: вставка с перетиранием.
func (h *RecordHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	userID, _ := auth.UserIDFromContext(r.Context())

	body, err := decodeBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.repo.Upsert(r.Context(), table, userID, id, stripSystemKeys(body)); err != nil {
		// pk успел занять чужой insert между проверкой guard-а и записью
		if errors.Is(err, domain.ErrRecordNotFound) {
			http.Error(w, "resource not found", http.StatusNotFound)
			return
		}
		h.fail(w, "upsert failed", table, err)
		return
	}

	h.hints.Publish(r.Context(), userID, table)
	w.WriteHeader(http.StatusOK)
}

// Delete — DELETE /v1/records/{table}/{id}. Идемпотентен.
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	userID, _ := auth.UserIDFromContext(r.Context())

	if err := h.repo.Delete(r.Context(), table, userID, id); err != nil {
		h.fail(w, "delete failed", table, err)
		return
	}

	h.hints.Publish(r.Context(), userID, table)
	w.WriteHeader(http.StatusNoContent)
}

func (h *RecordHandler) fail(w http.ResponseWriter, msg, table string, err error) {
	h.logger.Error(msg, zap.String("table", table), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func decodeBody(r *http.Request) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

// stripSystemKeys убирает из payload-а служебные колонки: pk и владелец
// живут в своих колонках, updated_at проставляет сервер. Клиентскому
// user_id сервер не верит в принципе — владельца диктует токен.
func stripSystemKeys(body map[string]any) map[string]any {
	data := make(map[string]any, len(body))
	for k, v := range body {
		switch k {
		case "id", "user_id", "updated_at":
			continue
		}
		data[k] = v
	}
	return data
}
