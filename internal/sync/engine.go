package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/store"
)

// Gateway — удаленное хранилище записей, адресуемое парой (таблица, pk).
// Агент работает через HTTP-реализацию, тесты — через фейковую.
type Gateway interface {
	Insert(ctx context.Context, table string, row map[string]any) error
	Update(ctx context.Context, table, id string, row map[string]any) error
	Upsert(ctx context.Context, table string, row map[string]any) error
	Delete(ctx context.Context, table, id string) error
	FetchSince(ctx context.Context, table string, since time.Time) ([]map[string]any, error)
}

// SessionProvider отдает текущую авторизованную сессию.
// Без сессии элемент очереди считается неудачной попыткой, а не теряется.
type SessionProvider interface {
	Session(ctx context.Context) (*domain.Session, error)
}

// Connectivity — наблюдатель сети. Движок сам сеть не щупает.
type Connectivity interface {
	Online() bool
}

// Status уходит подписчикам (индикатор синхронизации в UI).
type Status struct {
	Syncing     bool
	Pending     int   // сколько мутаций еще ждет отправки
	Dropped     int64 // сколько сброшено по потолку ретраев за время жизни процесса
	DataChanged bool  // локальный кэш обновился из pull — пора перечитать
}

// maxPushAttempts — потолок попыток на элемент очереди: 1 первая + 4 повтора.
// После пятой неудачи элемент навсегда покидает очередь. Бэкофф между
// попытками задает не движок, а каденция его вызова: enqueue-при-онлайне,
// восстановление связи, периодический тик.
const maxPushAttempts = 5

// Engine — сериализованный исполнитель push- и pull-проходов.
// Idle → Syncing → Idle; единственный флаг взаимного исключения не дает
// проходам перекрываться, повторные вызовы при Syncing — мгновенные no-op.
type Engine struct {
	store    *store.Store
	gw       Gateway
	sessions SessionProvider
	conn     Connectivity
	logger   *zap.Logger
	metrics  *Metrics

	syncing atomic.Bool
	dropped atomic.Int64

	subMu sync.Mutex
	subs  []func(Status)
}

func NewEngine(st *store.Store, gw Gateway, sessions SessionProvider, logger *zap.Logger, metrics *Metrics) *Engine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		store:    st,
		gw:       gw,
		sessions: sessions,
		logger:   logger.Named("sync-engine"),
		metrics:  metrics,
	}
}

// SetConnectivity связывает движок с наблюдателем сети.
// Отдельный сеттер, потому что наблюдателю при сборке нужен сам движок.
func (e *Engine) SetConnectivity(c Connectivity) {
	e.conn = c
}

// Subscribe регистрирует подписчика статуса (индикатор в UI).
func (e *Engine) Subscribe(fn func(Status)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, fn)
}

func (e *Engine) notify(st Status) {
	st.Dropped = e.dropped.Load()
	e.subMu.Lock()
	subs := make([]func(Status), len(e.subs))
	copy(subs, e.subs)
	e.subMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (e *Engine) online() bool {
	return e.conn == nil || e.conn.Online()
}

// ProcessQueue — push-проход: реплей локальной очереди на сервер
// строго в порядке постановки.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	// Повторный вход при идущей синхронизации — no-op
	if !e.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncing.Store(false)

	if !e.online() {
		e.metrics.SyncPasses.WithLabelValues("push", "skipped").Inc()
		return nil
	}

	// Снимок очереди: работаем по нему, состояние сверим в конце
	items, err := e.store.PeekAll(ctx)
	if err != nil {
		e.metrics.SyncPasses.WithLabelValues("push", "error").Inc()
		return fmt.Errorf("sync: peek queue: %w", err)
	}
	if len(items) == 0 {
		e.metrics.SyncPasses.WithLabelValues("push", "skipped").Inc()
		return nil
	}

	started := time.Now()
	e.notify(Status{Syncing: true, Pending: len(items)})

	// Последовательный реплей: create обязан дойти до сервера раньше,
	// чем update того же entity id, поэтому никакого fan-out
	var resolved []string
	for _, it := range items {
		if err := e.dispatch(ctx, it); err != nil {
			// Открытый предохранитель — болеет сервер, а не мутация.
			// Прерываем проход, не сжигая бюджет попыток
			if errors.Is(err, gobreaker.ErrOpenState) {
				e.logger.Warn("circuit breaker open, aborting push pass",
					zap.Int("remaining", len(items)-len(resolved)))
				break
			}
			it.RetryCount++
			if it.RetryCount >= maxPushAttempts {
				// Потолок исчерпан: осознанный размен потери мутации на
				// здоровье очереди. Не молчим — лог, счетчик, статус.
				e.logger.Error("mutation dropped after max retries",
					zap.String("id", it.ID),
					zap.String("table", it.Table),
					zap.String("action", string(it.Action)),
					zap.Error(err),
				)
				e.metrics.DroppedMutations.Inc()
				e.dropped.Add(1)
				resolved = append(resolved, it.ID)
				continue
			}
			e.logger.Warn("mutation push failed, will retry",
				zap.String("id", it.ID),
				zap.String("table", it.Table),
				zap.Int("retry_count", it.RetryCount),
				zap.Error(err),
			)
			if err := e.store.SetRetryCount(ctx, it.ID, it.RetryCount); err != nil {
				e.logger.Error("failed to persist retry count", zap.Error(err))
			}
			continue
		}
		resolved = append(resolved, it.ID)
	}

	// Очередь после прохода — ровно оставшиеся/новые элементы
	if err := e.store.DequeueMany(ctx, resolved); err != nil {
		e.metrics.SyncPasses.WithLabelValues("push", "error").Inc()
		e.notify(Status{Syncing: false, Pending: len(items)})
		return fmt.Errorf("sync: dequeue: %w", err)
	}

	pending, _ := e.store.QueueLen(ctx)
	e.metrics.PendingMutations.Set(float64(pending))
	e.metrics.SyncPasses.WithLabelValues("push", "ok").Inc()
	e.metrics.PassDuration.WithLabelValues("push").Observe(time.Since(started).Seconds())
	e.notify(Status{Syncing: false, Pending: pending})
	return nil
}

func (e *Engine) dispatch(ctx context.Context, it domain.MutationItem) error {
	sess, err := e.sessions.Session(ctx)
	if err != nil || sess == nil {
		return fmt.Errorf("sync: no session: %w", err)
	}

	// Границу пересекаем в соглашении сервера + колонка владельца
	row := MapToSnake(it.Data)
	row["user_id"] = sess.UserID

	switch it.Action {
	case domain.ActionCreate:
		return e.gw.Insert(ctx, it.Table, row)
	case domain.ActionUpdate:
		// pk в payload для update лишний: фильтруем по entityId
		delete(row, "id")
		return e.gw.Update(ctx, it.Table, it.EntityID, row)
	case domain.ActionUpsert:
		return e.gw.Upsert(ctx, it.Table, row)
	case domain.ActionDelete:
		return e.gw.Delete(ctx, it.Table, it.EntityID)
	default:
		return fmt.Errorf("sync: unknown action %q", it.Action)
	}
}

// PullUpdates — pull-проход: инкрементальная дельта по watermark.
// Любая неудача по любой таблице прерывает проход целиком, watermark не
// двигается — следующий pull повторит то же окно, merge идемпотентен.
func (e *Engine) PullUpdates(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncing.Store(false)

	if !e.online() {
		e.metrics.SyncPasses.WithLabelValues("pull", "skipped").Inc()
		return nil
	}

	since, err := e.store.LastSync(ctx)
	if err != nil {
		e.metrics.SyncPasses.WithLabelValues("pull", "error").Inc()
		return fmt.Errorf("sync: read watermark: %w", err)
	}

	// Фиксируем границу окна до первого запроса: строки, измененные во время
	// прохода, попадут в следующее окно, а не провалятся между watermark-ами
	started := time.Now()
	e.notify(Status{Syncing: true})
	changed := false
	defer func() {
		e.notify(Status{Syncing: false, DataChanged: changed})
	}()

	for _, table := range domain.PullTables {
		rows, err := e.gw.FetchSince(ctx, table, since)
		if err != nil {
			e.metrics.SyncPasses.WithLabelValues("pull", "error").Inc()
			return fmt.Errorf("sync: pull %s: %w", table, err)
		}
		camel := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			camel = append(camel, MapToCamel(r))
		}
		if err := e.store.MergeRows(ctx, table, camel); err != nil {
			e.metrics.SyncPasses.WithLabelValues("pull", "error").Inc()
			return fmt.Errorf("sync: merge %s: %w", table, err)
		}
		e.metrics.PulledRows.WithLabelValues(table).Add(float64(len(rows)))
	}

	// manejo_diario: составной ключ (день, период), вложенный merge
	rows, err := e.gw.FetchSince(ctx, domain.TableManejoDiario, since)
	if err != nil {
		e.metrics.SyncPasses.WithLabelValues("pull", "error").Inc()
		return fmt.Errorf("sync: pull manejo_diario: %w", err)
	}
	regs := make([]domain.ManejoRegistro, 0, len(rows))
	for _, r := range rows {
		camel := MapToCamel(r)
		dia, _ := camel["dia"].(string)
		periodo, _ := camel["periodo"].(string)
		regs = append(regs, domain.ManejoRegistro{Dia: dia, Periodo: periodo, Data: camel})
	}
	if err := e.store.MergeManejo(ctx, regs); err != nil {
		e.metrics.SyncPasses.WithLabelValues("pull", "error").Inc()
		return fmt.Errorf("sync: merge manejo_diario: %w", err)
	}
	e.metrics.PulledRows.WithLabelValues(domain.TableManejoDiario).Add(float64(len(rows)))

	// Только полный успех по всем таблицам двигает watermark
	if err := e.store.SetLastSync(ctx, started); err != nil {
		e.metrics.SyncPasses.WithLabelValues("pull", "error").Inc()
		return fmt.Errorf("sync: advance watermark: %w", err)
	}
	changed = true
	e.metrics.SyncPasses.WithLabelValues("pull", "ok").Inc()
	e.metrics.PassDuration.WithLabelValues("pull").Observe(time.Since(started).Seconds())
	return nil
}
