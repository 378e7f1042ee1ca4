package audit

/*
Файл trail.go реализует журнал безопасности (Audit Trail) — append-only
приемник событий о нарушениях изоляции данных между арендаторами.

Ключевые особенности архитектуры:
- Non-blocking Logging: запись события из Hot Path guard-а не ждет базу,
  событие уходит в буферизованный канал.
- Batching & Efficiency: накопление событий в памяти и пакетная запись
  (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита пачки.
- Drain Pattern & Graceful Shutdown: при остановке сервиса буфер вычитывается
  до конца. sync.WaitGroup и закрытие канала гарантируют Final Flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, entries []Entry) error
}

// Recorder — то, что видит guard. Запись не возвращает ошибку:
// журнал не должен уметь ронять проверку доступа.
type Recorder interface {
	Record(entry Entry)
}

type Trail struct {
	ch        chan Entry
	repo      StorageInterface
	logger    *zap.Logger
	wg        sync.WaitGroup
	batchSize int
	interval  time.Duration

	// Защита от записи после остановки
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewTrail(repo StorageInterface, logger *zap.Logger, bufferSize, batchSize int, interval time.Duration) *Trail {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Trail{
		ch:        make(chan Entry, bufferSize),
		repo:      repo,
		logger:    logger.With(zap.String("mod", "audit-trail")),
		batchSize: batchSize,
		interval:  interval,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	// 1. Сначала ставим флаг
	atomic.StoreInt32(&t.isClosed, 1)

	// 2. Даем крошечную паузу, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	// 3. Закрываем канал (Drain Pattern): воркер вычитает остатки и сделает финальный flush
	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Record(entry Entry) {
	// Убеждаемся, что таймстемп всегда проставлен
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	// Атомарно проверяем, не закрыт ли канал
	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit entry dropped: trail is stopping", zap.String("id", entry.ID))
		return
	}

	// Стратегия Load Shedding: при переполнении буфера событие
	// остается хотя бы в обычном логе, чтобы след не исчез бесследно
	select {
	case t.ch <- entry:
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("user_id", entry.UserID),
			zap.String("entity", entry.Entity),
			zap.String("entity_id", entry.EntityID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Entry, 0, t.batchSize)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Используем Background, так как основной контекст может быть уже закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case entry, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): сначала вычитали всё, теперь финальный сброс
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= t.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
