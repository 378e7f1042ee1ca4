package audit

import "time"

// ActionSecurityViolation — единственный вид события, который пишет guard:
// попытка доступа к чужой строке.
const ActionSecurityViolation = "security_violation"

type Entry struct {
	ID        string         `json:"id"`        // UUID события
	UserID    string         `json:"user_id"`   // Кто пытался
	Action    string         `json:"action"`    // security_violation
	Entity    string         `json:"entity"`    // Логическая таблица (lotes, vendas...)
	EntityID  string         `json:"entity_id"` // Чья строка
	Details   string         `json:"details"`   // Свободный текст
	Metadata  map[string]any `json:"metadata"`  // IP вызывающего, если известен
	Timestamp time.Time      `json:"timestamp"`
}
