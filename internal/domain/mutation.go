package domain

import "time"

// Action — тип операции в очереди мутаций.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// MutationItem — одна отложенная запись в локальной очереди.
// Поля Data хранятся в клиентском соглашении имен (camelCase),
// перевод в snake_case делает движок синхронизации на границе.
type MutationItem struct {
	ID         string         `json:"id"`
	Action     Action         `json:"action"`
	Table      string         `json:"table"`
	EntityID   string         `json:"entityId"`
	Data       map[string]any `json:"data"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retryCount"`
}

// ManejoRegistro адресуется не плоским id, а парой (день, период).
type ManejoRegistro struct {
	Dia     string         `json:"dia"`     // формат YYYY-MM-DD
	Periodo string         `json:"periodo"` // manha, tarde, noite
	Data    map[string]any `json:"data"`
}
