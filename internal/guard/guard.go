package guard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/granjadebolso/granja-sync/internal/audit"
	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
	"go.uber.org/zap"
)

// OwnershipReader читает колонку владельца по первичному ключу.
// Работает с сервисными (RLS-bypass) правами: guard-у нужна правда о строке,
// а не то, что видно вызывающему.
type OwnershipReader interface {
	OwnerOf(ctx context.Context, table, id string) (string, error)
}

// ViolationReporter получает сигнал о каждом нарушении изоляции
// (блок-лист злостных нарушителей). Может отсутствовать.
type ViolationReporter interface {
	ReportViolation(ctx context.Context, userID string)
}

// Guard защищает record-scoped операции: строка должна принадлежать
// вызывающему. Коллекционные операции guard пропускает — там обработчик
// обязан сам скоупить запрос по user_id вызывающего.
// Guard никогда не трогает доменные данные: только чтение владельца
// и append в журнал безопасности.
type Guard struct {
	validator auth.TokenValidator
	repo      OwnershipReader
	trail     audit.Recorder
	reporter  ViolationReporter
	logger    *zap.Logger
}

func NewGuard(v auth.TokenValidator, repo OwnershipReader, trail audit.Recorder, reporter ViolationReporter, logger *zap.Logger) *Guard {
	return &Guard{
		validator: v,
		repo:      repo,
		trail:     trail,
		reporter:  reporter,
		logger:    logger.Named("access-guard"),
	}
}

// Verify — свежая проверка на каждый запрос, решения не кэшируются.
// Четыре внешних исхода: unauthorized (нет личности), forbidden (чужая
// строка — единственный случай, который пишется в аудит), not_found
// (строки нет: опечатки и протухшие ссылки журнал не засоряют),
// error (инфраструктурный сбой — fail-closed, доступ не выдаем).
func (g *Guard) Verify(r *http.Request, table, resourceID string) (dec domain.AccessDecision) {
	// 1. Личность из Bearer-токена
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return domain.AccessDecision{Status: domain.DecisionUnauthorized}
	}
	claims, err := g.validator.VerifyToken(authHeader)
	if err != nil {
		g.logger.Warn("token rejected", zap.Error(err))
		return domain.AccessDecision{Status: domain.DecisionUnauthorized}
	}
	user := &domain.User{ID: claims.UserID}

	// 2. Коллекционная операция (list/create): записи еще нет, защищать нечего
	if resourceID == "" {
		return domain.AccessDecision{Status: domain.DecisionGranted, User: user}
	}

	// Fail-closed: паника внутри проверки — это отказ, а не пропуск
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic during ownership check",
				zap.Any("panic", rec),
				zap.String("table", table),
				zap.String("resource_id", resourceID),
			)
			dec = domain.AccessDecision{
				Status:  domain.DecisionError,
				Message: "internal error during access check",
			}
		}
	}()

	// 3. Владелец строки — читаем сервисными правами по pk
	owner, err := g.repo.OwnerOf(r.Context(), table, resourceID)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		// PUT и DELETE легальны для еще не существующей строки: upsert ее
		// создает, delete идемпотентен (create мог не дойти до сервера).
		// Гонку с чужой вставкой дострахует репозиторий фильтром по user_id
		if r.Method == http.MethodPut || r.Method == http.MethodDelete {
			return domain.AccessDecision{Status: domain.DecisionGranted, User: user}
		}
		// Нет строки — нет события безопасности
		return domain.AccessDecision{Status: domain.DecisionNotFound}
	case err != nil:
		g.logger.Error("ownership lookup failed",
			zap.String("table", table),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return domain.AccessDecision{
			Status:  domain.DecisionError,
			Message: "internal error during access check",
		}
	}

	// 4. Чужая строка — нарушение изоляции, след в журнале обязателен
	if owner != claims.UserID {
		const details = "Access denied: Resource belongs to another user"
		g.trail.Record(audit.Entry{
			ID:       uuid.New().String(),
			UserID:   claims.UserID,
			Action:   audit.ActionSecurityViolation,
			Entity:   table,
			EntityID: resourceID,
			Details:  details,
			Metadata: map[string]any{"ip": clientIP(r)},
		})
		if g.reporter != nil {
			g.reporter.ReportViolation(r.Context(), claims.UserID)
		}
		g.logger.Warn("cross-tenant access attempt",
			zap.String("user_id", claims.UserID),
			zap.String("table", table),
			zap.String("resource_id", resourceID),
		)
		return domain.AccessDecision{Status: domain.DecisionForbidden, Message: details}
	}

	return domain.AccessDecision{Status: domain.DecisionGranted, User: user}
}

// clientIP — best-effort адрес вызывающего из проксирующих заголовков.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
