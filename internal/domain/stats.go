package domain

// DashboardStats — сводка по ферме для владельца: сколько записей в каждой
// таблице и сколько нарушений изоляции журнал видел за последние сутки.
type DashboardStats struct {
	Tables     map[string]int64 `json:"tables"`
	Violations int64            `json:"violations_24h"`
}
