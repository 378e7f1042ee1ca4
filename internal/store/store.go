package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/granjadebolso/granja-sync/internal/domain"

	_ "modernc.org/sqlite" // Чистый Go драйвер, без cgo
)

// Store — локальное durable-хранилище агента: очередь мутаций, кэши доменных
// таблиц и watermark последней синхронизации. Живет в одном SQLite-файле,
// поэтому очередь переживает перезапуск демона.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS mutation_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	action      TEXT NOT NULL,
	tbl         TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cache (
	tbl     TEXT NOT NULL,
	id      TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (tbl, id)
);
CREATE TABLE IF NOT EXISTS manejo_cache (
	dia     TEXT NOT NULL,
	periodo TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (dia, periodo)
);
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);`

const metaKeyLastSync = "last_sync_timestamp"

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite не любит конкурентных писателей — одно соединение на весь процесс
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue добавляет мутацию в хвост очереди.
// Единственное исключение — update поверх еще не отправленного create той же
// записи: тогда патч вливается в payload самого create (shallow merge, поздние
// поля побеждают). Так сервер никогда не получит update для строки, о которой
// он еще не слышал, а быстрое редактирование новой записи не плодит хвост
// избыточных элементов. Других правил свертки нет: delete после create
// осознанно уходит двумя операциями.
func (s *Store) Enqueue(ctx context.Context, action domain.Action, table string, data map[string]any, entityID string) (*domain.MutationItem, error) {
	if !domain.IsSyncable(table) {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if action == domain.ActionUpdate && entityID != "" {
		var createID, rawPayload string
		err := tx.QueryRowContext(ctx,
			`SELECT id, payload FROM mutation_queue WHERE tbl = ? AND entity_id = ? AND action = ? LIMIT 1`,
			table, entityID, string(domain.ActionCreate),
		).Scan(&createID, &rawPayload)

		switch {
		case err == nil:
			// Сворачиваем патч в ожидающий create
			merged := map[string]any{}
			if err := json.Unmarshal([]byte(rawPayload), &merged); err != nil {
				return nil, fmt.Errorf("store: corrupt payload for %s: %w", createID, err)
			}
			for k, v := range data {
				merged[k] = v
			}
			buf, _ := json.Marshal(merged)
			if _, err := tx.ExecContext(ctx,
				`UPDATE mutation_queue SET payload = ? WHERE id = ?`, string(buf), createID); err != nil {
				return nil, fmt.Errorf("store: fold update: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("store: commit: %w", err)
			}
			item, err := s.itemByID(ctx, createID)
			if err != nil {
				return nil, err
			}
			return item, nil
		case err != sql.ErrNoRows:
			return nil, fmt.Errorf("store: fold lookup: %w", err)
		}
	}

	item := &domain.MutationItem{
		ID:        uuid.New().String(),
		Action:    action,
		Table:     table,
		EntityID:  entityID,
		Data:      data,
		Timestamp: time.Now(),
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("store: marshal payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mutation_queue (id, action, tbl, entity_id, payload, retry_count, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		item.ID, string(action), table, entityID, string(buf), item.Timestamp.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("store: enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return item, nil
}

// PeekAll возвращает упорядоченный снимок очереди, не трогая состояние.
// Движок синхронизации работает по снимку и потом сверяет результат.
func (s *Store) PeekAll(ctx context.Context) ([]domain.MutationItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, tbl, entity_id, payload, retry_count, created_at FROM mutation_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("store: peek: %w", err)
	}
	defer rows.Close()

	var items []domain.MutationItem
	for rows.Next() {
		var it domain.MutationItem
		var action, rawPayload, createdAt string
		if err := rows.Scan(&it.ID, &action, &it.Table, &it.EntityID, &rawPayload, &it.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		it.Action = domain.Action(action)
		if err := json.Unmarshal([]byte(rawPayload), &it.Data); err != nil {
			return nil, fmt.Errorf("store: corrupt payload for %s: %w", it.ID, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			it.Timestamp = ts
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// DequeueMany удаляет элементы по id — подтвержденные сервером или
// окончательно сброшенные по потолку ретраев.
func (s *Store) DequeueMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM mutation_queue WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("store: dequeue: %w", err)
	}
	return nil
}

// SetRetryCount фиксирует неудачную попытку отправки элемента.
func (s *Store) SetRetryCount(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mutation_queue SET retry_count = ? WHERE id = ?`, n, id)
	if err != nil {
		return fmt.Errorf("store: set retry: %w", err)
	}
	return nil
}

// QueueLen — текущая глубина очереди (для индикатора и метрик).
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n)
	return n, err
}

func (s *Store) itemByID(ctx context.Context, id string) (*domain.MutationItem, error) {
	var it domain.MutationItem
	var action, rawPayload, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, action, tbl, entity_id, payload, retry_count, created_at FROM mutation_queue WHERE id = ?`, id,
	).Scan(&it.ID, &action, &it.Table, &it.EntityID, &rawPayload, &it.RetryCount, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: item %s: %w", id, err)
	}
	it.Action = domain.Action(action)
	if err := json.Unmarshal([]byte(rawPayload), &it.Data); err != nil {
		return nil, fmt.Errorf("store: corrupt payload for %s: %w", id, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		it.Timestamp = ts
	}
	return &it, nil
}

// MergeRows вливает дельту с сервера в локальный кэш таблицы.
// Семантика last-writer-wins-by-presence: пришедшая строка безусловно
// перетирает локальную копию по id, нетронутые локальные строки остаются.
func (s *Store) MergeRows(ctx context.Context, table string, rowsIn []map[string]any) error {
	if len(rowsIn) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin merge: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rowsIn {
		id := stringField(row, "id")
		if id == "" {
			continue // строка без pk бесполезна для merge по ключу
		}
		buf, _ := json.Marshal(row)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache (tbl, id, payload) VALUES (?, ?, ?)
			 ON CONFLICT (tbl, id) DO UPDATE SET payload = excluded.payload`,
			table, id, string(buf)); err != nil {
			return fmt.Errorf("store: merge %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Rows возвращает весь локальный кэш таблицы.
func (s *Store) Rows(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM cache WHERE tbl = ? ORDER BY id`, table)
	if err != nil {
		return nil, fmt.Errorf("store: rows %s: %w", table, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("store: corrupt cache row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MergeManejo — отдельный merge для manejo_diario: ключ не плоский id,
// а пара (день, период), локальная структура вложенная.
func (s *Store) MergeManejo(ctx context.Context, regs []domain.ManejoRegistro) error {
	if len(regs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin manejo merge: %w", err)
	}
	defer tx.Rollback()

	for _, reg := range regs {
		if reg.Dia == "" || reg.Periodo == "" {
			continue
		}
		buf, _ := json.Marshal(reg.Data)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO manejo_cache (dia, periodo, payload) VALUES (?, ?, ?)
			 ON CONFLICT (dia, periodo) DO UPDATE SET payload = excluded.payload`,
			reg.Dia, reg.Periodo, string(buf)); err != nil {
			return fmt.Errorf("store: merge manejo: %w", err)
		}
	}
	return tx.Commit()
}

// ManejoAll отдает вложенную структуру день → период → запись.
func (s *Store) ManejoAll(ctx context.Context) (map[string]map[string]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dia, periodo, payload FROM manejo_cache`)
	if err != nil {
		return nil, fmt.Errorf("store: manejo: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]map[string]any)
	for rows.Next() {
		var dia, periodo, raw string
		if err := rows.Scan(&dia, &periodo, &raw); err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("store: corrupt manejo row: %w", err)
		}
		if out[dia] == nil {
			out[dia] = make(map[string]map[string]any)
		}
		out[dia][periodo] = m
	}
	return out, rows.Err()
}

// LastSync читает watermark последнего успешного pull. Нулевое время — pull
// еще ни разу не завершался.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = ?`, metaKeyLastSync).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last sync: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: corrupt watermark: %w", err)
	}
	return ts, nil
}

// SetLastSync двигает watermark вперед. Вызывается только после полностью
// успешного pull-прохода, назад не откатывается.
func (s *Store) SetLastSync(ctx context.Context, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`,
		metaKeyLastSync, ts.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: set last sync: %w", err)
	}
	return nil
}

func stringField(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}
