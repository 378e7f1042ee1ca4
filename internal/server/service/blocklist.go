package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/infra"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
)

// Blocklist — оперативная блокировка злостных нарушителей изоляции.
// Источник правды — Redis Set, горячая проверка — локальная мапа в памяти.
// Инстансы API синхронизируются через Pub/Sub: решение одного узла
// долетает до остальных без рестарта.
type Blocklist struct {
	mu           sync.RWMutex
	blockedUsers map[string]struct{}
	rdb          *redis.Client
	logger       *zap.Logger

	// Сколько нарушений терпим, прежде чем отрезать пользователя
	threshold int64
}

func NewBlocklist(rdb *redis.Client, threshold int, logger *zap.Logger) *Blocklist {
	if threshold <= 0 {
		threshold = 10
	}
	return &Blocklist{
		blockedUsers: make(map[string]struct{}),
		rdb:          rdb,
		threshold:    int64(threshold),
		logger:       logger.Named("blocklist"),
	}
}

// Warmup загружает текущее состояние блокировок при старте сервиса
func (b *Blocklist) Warmup(ctx context.Context) error {
	users, err := b.rdb.SMembers(ctx, infra.RedisKeyBlockedUsers).Result()
	if err != nil {
		return fmt.Errorf("blocklist warmup: %w", err)
	}

	b.mu.Lock()
	for _, id := range users {
		b.blockedUsers[id] = struct{}{}
	}
	b.mu.Unlock()

	b.logger.Info("blocklist warmed up", zap.Int("blocked", len(users)))
	return nil
}

// StartListener подписывается на Redis и обновляет локальное состояние.
// Payload сигнала: "userID:true" (блок) или "userID:false" (разблок).
func (b *Blocklist) StartListener(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, infra.RedisChanBlockSignal)
	defer pubsub.Close()

	ch := pubsub.Channel()
	b.logger.Info("blocklist listener started")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn("blocklist channel closed")
				return
			}
			userID, blocked, found := strings.Cut(msg.Payload, ":")
			if !found {
				b.logger.Warn("malformed block signal", zap.String("payload", msg.Payload))
				continue
			}
			b.mu.Lock()
			if blocked == "true" {
				b.blockedUsers[userID] = struct{}{}
			} else {
				delete(b.blockedUsers, userID)
			}
			b.mu.Unlock()
			b.logger.Info("block signal applied",
				zap.String("user_id", userID),
				zap.String("blocked", blocked))

		case <-ctx.Done():
			b.logger.Info("blocklist listener stopping by context...")
			return
		}
	}
}

func (b *Blocklist) IsBlocked(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, blocked := b.blockedUsers[userID]
	return blocked
}

// ReportViolation инкрементирует счетчик нарушений пользователя.
// При достижении порога пользователь попадает в блок-лист и сигнал
// уходит всем инстансам. Вызывается из guard-а вне hot path ответа.
func (b *Blocklist) ReportViolation(ctx context.Context, userID string) {
	key := infra.GetViolationCountKey(userID)

	// 1. Атомарный счетчик в Redis, с TTL чтобы старые грехи забывались
	count, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		b.logger.Warn("violation counter unavailable", zap.Error(err))
		return
	}
	if count == 1 {
		b.rdb.Expire(ctx, key, 24*time.Hour)
	}

	if count < b.threshold {
		return
	}

	// 2. Порог достигнут: персистим в Set и транслируем сигнал
	if err := b.rdb.SAdd(ctx, infra.RedisKeyBlockedUsers, userID).Err(); err != nil {
		b.logger.Error("failed to persist block", zap.String("user_id", userID), zap.Error(err))
		return
	}

	payload := fmt.Sprintf("%s:true", userID)
	if err := b.rdb.Publish(ctx, infra.RedisChanBlockSignal, payload).Err(); err != nil {
		b.logger.Warn("block signal delivery failed", zap.Error(err))
	}

	// Локальную мапу обновляем сразу — свой же сигнал можно не ждать
	b.mu.Lock()
	b.blockedUsers[userID] = struct{}{}
	b.mu.Unlock()

	b.logger.Warn("user blocked for repeated isolation violations",
		zap.String("user_id", userID),
		zap.Int64("violations", count))
}

// Unblock снимает блокировку: Set, сигнал, локальная мапа, счетчик.
func (b *Blocklist) Unblock(ctx context.Context, userID string) error {
	if err := b.rdb.SRem(ctx, infra.RedisKeyBlockedUsers, userID).Err(); err != nil {
		return fmt.Errorf("blocklist unblock: %w", err)
	}
	b.rdb.Del(ctx, infra.GetViolationCountKey(userID))

	payload := fmt.Sprintf("%s:false", userID)
	if err := b.rdb.Publish(ctx, infra.RedisChanBlockSignal, payload).Err(); err != nil {
		b.logger.Warn("unblock signal delivery failed", zap.Error(err))
	}

	b.mu.Lock()
	delete(b.blockedUsers, userID)
	b.mu.Unlock()
	return nil
}

// Middleware отрезает заблокированных сразу после аутентификации,
// до guard-а и обработчиков.
func (b *Blocklist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, ok := auth.UserIDFromContext(r.Context()); ok && b.IsBlocked(userID) {
			http.Error(w, "Forbidden: account blocked", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
