package sync

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenHintsResilient — "живучая" подписка на канал подсказок об изменениях.
// Сервер публикует "userID:table" после каждой успешной записи; агент по
// подсказке ускоряет pull. Канал — чистый акселератор: корректность
// синхронизации держится на watermark и периодическом pull, а не на нем.
// Обрабатывает переподключения, логирование и разбор сигналов.
func ListenHintsResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Callback для синхронизации при переподключении
	onHint func(userID, table string), // Callback для обработки сообщения
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Вызываем синхронизацию при каждом успешном коннекте:
		// пока подписки не было, подсказки могли пролететь мимо
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				// Разбор формата "user_id:table"
				parts := strings.SplitN(msg.Payload, ":", 2)
				if len(parts) != 2 {
					logger.Error("invalid hint format", zap.String("payload", msg.Payload))
					continue
				}

				onHint(parts[0], parts[1])
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}
