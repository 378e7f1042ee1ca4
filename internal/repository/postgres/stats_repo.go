package postgres

import (
	"context"
	"fmt"

	"github.com/granjadebolso/granja-sync/internal/domain"
)

// GetDashboardStats собирает сводку фермы для конкретного владельца.
// Десять маленьких COUNT-ов дешевле и прозрачнее, чем один UNION-монстр.
func (r *RecordRepo) GetDashboardStats(ctx context.Context, userID string) (*domain.DashboardStats, error) {
	stats := &domain.DashboardStats{Tables: make(map[string]int64)}

	// 1. Объем данных по каждой доменной таблице
	for _, table := range domain.AllTables() {
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = $1`, table)
		var n int64
		if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
			return nil, fmt.Errorf("postgres: count %s: %w", table, err)
		}
		stats.Tables[table] = n
	}

	// 2. Нарушения изоляции этого пользователя за последние сутки
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE user_id = $1
		  AND action = 'security_violation'
		  AND created_at > NOW() - INTERVAL '24 hours'`, userID).Scan(&stats.Violations)
	if err != nil {
		return nil, fmt.Errorf("postgres: count violations: %w", err)
	}

	return stats, nil
}
