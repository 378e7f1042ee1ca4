package sync

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Trigger — то, что наблюдатель дергает у движка. Движок сам себя
// не планирует: наблюдатель — единственный источник фоновых проходов.
type Trigger interface {
	ProcessQueue(ctx context.Context) error
	PullUpdates(ctx context.Context) error
}

// ProbeFunc проверяет доступность сервера (обычно GET /health).
type ProbeFunc func(ctx context.Context) error

// Observer следит за состоянием сети через периодический probe и гонит
// фоновые проходы: при восстановлении связи — push, затем pull; по таймеру
// в онлайне — pull, затем push.
type Observer struct {
	probe         ProbeFunc
	engine        Trigger
	logger        *zap.Logger
	probeInterval time.Duration
	pullInterval  time.Duration

	online atomic.Bool
}

func NewObserver(probe ProbeFunc, engine Trigger, logger *zap.Logger, probeInterval, pullInterval time.Duration) *Observer {
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	if pullInterval <= 0 {
		pullInterval = 5 * time.Minute
	}
	return &Observer{
		probe:         probe,
		engine:        engine,
		logger:        logger.Named("connectivity"),
		probeInterval: probeInterval,
		pullInterval:  pullInterval,
	}
}

// Online реализует Connectivity для движка.
func (o *Observer) Online() bool {
	return o.online.Load()
}

// Run крутит цикл наблюдения до отмены контекста.
func (o *Observer) Run(ctx context.Context) {
	// Первая проверка сразу: если сеть есть, стартовый переход
	// offline → online сразу запустит разгрузку очереди
	o.check(ctx)

	probeTicker := time.NewTicker(o.probeInterval)
	defer probeTicker.Stop()
	pullTicker := time.NewTicker(o.pullInterval)
	defer pullTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("connectivity observer stopping by context...")
			return
		case <-probeTicker.C:
			o.check(ctx)
		case <-pullTicker.C:
			if o.online.Load() {
				// Плановый тик: сначала дельта с сервера, потом своя очередь
				if err := o.engine.PullUpdates(ctx); err != nil {
					o.logger.Warn("periodic pull failed", zap.Error(err))
				}
				if err := o.engine.ProcessQueue(ctx); err != nil {
					o.logger.Warn("periodic push failed", zap.Error(err))
				}
			}
		}
	}
}

// check снимает текущее состояние сети и реагирует на переходы.
func (o *Observer) check(ctx context.Context) {
	err := o.probe(ctx)
	nowOnline := err == nil
	wasOnline := o.online.Swap(nowOnline)

	switch {
	case nowOnline && !wasOnline:
		o.logger.Info("connection restored, draining queue")
		// Восстановление связи: сперва выталкиваем накопленное, потом дельта
		if err := o.engine.ProcessQueue(ctx); err != nil {
			o.logger.Warn("push on reconnect failed", zap.Error(err))
		}
		if err := o.engine.PullUpdates(ctx); err != nil {
			o.logger.Warn("pull on reconnect failed", zap.Error(err))
		}
	case !nowOnline && wasOnline:
		o.logger.Warn("connection lost", zap.Error(err))
	}
}
