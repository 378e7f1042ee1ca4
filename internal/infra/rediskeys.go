package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "granja"
)

// Ключи для Sets и счетчиков (состояние)
const (
	RedisKeyBlockedUsers = RedisNamespace + ":users:blocked_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanBlockSignal — трансляция блокировок между инстансами API.
	RedisChanBlockSignal = RedisNamespace + ":users:block-signal"

	// RedisChanDataHints — подсказки "у пользователя X изменилась таблица Y".
	// Агент по ним ускоряет pull, но корректность от канала не зависит.
	RedisChanDataHints = RedisNamespace + ":sync:data-hints"
)

// GetViolationCountKey — счетчик нарушений изоляции на пользователя.
func GetViolationCountKey(userID string) string {
	return fmt.Sprintf("%s:violations:count:%s", RedisNamespace, userID)
}
