package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/infra"
)

// HintPublisher транслирует подсказки "у пользователя X изменилась таблица Y".
// Канал — best-effort ускоритель pull-а на других устройствах пользователя;
// потерянная подсказка ничего не ломает, фоновый pull доедет сам.
type HintPublisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewHintPublisher(rdb *redis.Client, logger *zap.Logger) *HintPublisher {
	return &HintPublisher{rdb: rdb, logger: logger.Named("data-hints")}
}

func (p *HintPublisher) Publish(ctx context.Context, userID, table string) {
	payload := fmt.Sprintf("%s:%s", userID, table)
	if err := p.rdb.Publish(ctx, infra.RedisChanDataHints, payload).Err(); err != nil {
		p.logger.Warn("hint delivery failed",
			zap.String("table", table),
			zap.Error(err))
	}
}
