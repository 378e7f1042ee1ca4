package guard

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
)

// RequireOwnership — единая прослойка "authorize-then-execute" для
// record-scoped роутов вида /v1/records/{table}/{id}. Обработчику после нее
// достается контекст с user_id владельца; дублировать проверку по роутам
// не нужно.
//
// Монтировать строго внутри подроутера /{id}: chi заполняет URL-параметры
// при матче вложенного роутера, этажом выше id еще пуст и запрос выглядел
// бы коллекционным.
func RequireOwnership(g *Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			table := chi.URLParam(r, "table")
			resourceID := chi.URLParam(r, "id") // пустой для create/list

			if !domain.IsSyncable(table) {
				writeError(w, http.StatusNotFound, "unknown table")
				return
			}

			dec := g.Verify(r, table, resourceID)
			switch dec.Status {
			case domain.DecisionGranted:
				ctx := auth.WithUserID(r.Context(), dec.User.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
			case domain.DecisionUnauthorized:
				writeError(w, http.StatusUnauthorized, "Unauthorized")
			case domain.DecisionForbidden:
				writeError(w, http.StatusForbidden, dec.Message)
			case domain.DecisionNotFound:
				writeError(w, http.StatusNotFound, "resource not found")
			default:
				writeError(w, http.StatusInternalServerError, dec.Message)
			}
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
