package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/granjadebolso/granja-sync/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// ErrUnknownTable — имя таблицы не из закрытого списка.
var ErrUnknownTable = errors.New("postgres: unknown table")

// RecordRepo — универсальный доступ к десяти доменным таблицам.
// Каждая таблица имеет одинаковую форму: id uuid pk, user_id uuid,
// data jsonb, updated_at timestamptz. Имя таблицы подставляется в запрос
// только после проверки по закрытому списку — инъекции через него нет.
type RecordRepo struct {
	db *sql.DB
}

// NewRecordRepo создает новый экземпляр репозитория
func NewRecordRepo(connString string, maxConns int) *RecordRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main мы проверим соединение через Ping
		log.Fatal(err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &RecordRepo{db: db}
}

// Ping проверяет доступность базы при старте
func (r *RecordRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *RecordRepo) Close() error {
	return r.db.Close()
}

func checkTable(table string) error {
	if !domain.IsSyncable(table) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// Insert кладет новую строку. id генерирует клиент, владельца диктует сервер.
func (r *RecordRepo) Insert(ctx context.Context, table, userID, id string, data map[string]any) error {
	if err := checkTable(table); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("postgres: marshal data: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, user_id, data, updated_at) VALUES ($1, $2, $3, NOW())`, table)
	if _, err := r.db.ExecContext(ctx, query, id, userID, payload); err != nil {
		return fmt.Errorf("postgres: insert into %s: %w", table, err)
	}
	return nil
}

// Update обновляет payload по pk. Владение строкой к этому моменту уже
// проверил guard, поэтому фильтр — только id.
func (r *RecordRepo) Update(ctx context.Context, table, id string, data map[string]any) error {
	if err := checkTable(table); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("postgres: marshal data: %w", err)
	}
	query := fmt.Sprintf(
		`UPDATE %s SET data = data || $1::jsonb, updated_at = NOW() WHERE id = $2`, table)
	result, err := r.db.ExecContext(ctx, query, payload, id)
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", table, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// Upsert — вставка с перетиранием по pk. Перетирание разрешено только
// владельцу: guard мог разрешить PUT по отсутствующей строке, а к моменту
// ExecContext pk уже занял чужой insert. WHERE по user_id закрывает эту
// гонку на уровне базы; ноль затронутых строк означает чужой pk.
func (r *RecordRepo) Upsert(ctx context.Context, table, userID, id string, data map[string]any) error {
	if err := checkTable(table); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("postgres: marshal data: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s AS t (id, user_id, data, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = NOW()
		 WHERE t.user_id = excluded.user_id`, table)
	result, err := r.db.ExecContext(ctx, query, id, userID, payload)
	if err != nil {
		return fmt.Errorf("postgres: upsert %s: %w", table, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// Delete удаляет строку по pk в пределах владельца. Удаление несуществующей
// строки — не ошибка: клиент мог поставить delete в очередь для записи,
// которую сервер так и не увидел. Фильтр по user_id страхует гонку с чужой
// вставкой того же pk после решения guard-а.
func (r *RecordRepo) Delete(ctx context.Context, table, userID, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND user_id = $2`, table)
	if _, err := r.db.ExecContext(ctx, query, id, userID); err != nil {
		return fmt.Errorf("postgres: delete from %s: %w", table, err)
	}
	return nil
}

// FetchSince — инкрементальная дельта: строки вызывающего с updated_at
// строго больше watermark-а.
func (r *RecordRepo) FetchSince(ctx context.Context, table, userID string, since time.Time) ([]map[string]any, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT id, user_id, data, updated_at FROM %s WHERE user_id = $1 AND updated_at > $2 ORDER BY updated_at`, table)
	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch %s delta: %w", table, err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var id, owner string
		var payload []byte
		var updatedAt time.Time
		if err := rows.Scan(&id, &owner, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", table, err)
		}
		row := map[string]any{}
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, fmt.Errorf("postgres: corrupt payload in %s/%s: %w", table, id, err)
		}
		// Системные колонки поверх payload — они источник правды
		row["id"] = id
		row["user_id"] = owner
		row["updated_at"] = updatedAt.Format(time.RFC3339Nano)
		out = append(out, row)
	}
	return out, rows.Err()
}

// OwnerOf читает колонку владельца по pk. Единственный потребитель — guard.
func (r *RecordRepo) OwnerOf(ctx context.Context, table, id string) (string, error) {
	if err := checkTable(table); err != nil {
		return "", err
	}
	query := fmt.Sprintf(`SELECT user_id FROM %s WHERE id = $1`, table)
	var owner string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", domain.ErrRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: owner of %s/%s: %w", table, id, err)
	}
	return owner, nil
}
