package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/granjadebolso/granja-sync/internal/gateway"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliabilityWrapper оборачивает удаленный шлюз: rate limiter, circuit
// breaker и жесткий таймаут на каждый вызов, чтобы зависший запрос не
// заклинил гейт синхронизации.
//
// Push-операции получают ровно одну попытку за проход — счетчик ретраев
// ведет сам движок, и транспортные повторы сломали бы его арифметику.
// Pull (FetchSince) идемпотентен, поэтому его можно ретраить на уровне
// транспорта.
type ReliabilityWrapper struct {
	next    Gateway
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

func NewReliabilityWrapper(next Gateway) *ReliabilityWrapper {
	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "granja-gateway",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
	})

	// Лимитер: демон не должен устраивать серверу шторм
	limiter := rate.NewLimiter(rate.Limit(50), 10)

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: limiter,
		timeout: 10 * time.Second,
	}
}

func (w *ReliabilityWrapper) Insert(ctx context.Context, table string, row map[string]any) error {
	return w.exec(ctx, func(ctx context.Context) error {
		return w.next.Insert(ctx, table, row)
	})
}

func (w *ReliabilityWrapper) Update(ctx context.Context, table, id string, row map[string]any) error {
	return w.exec(ctx, func(ctx context.Context) error {
		return w.next.Update(ctx, table, id, row)
	})
}

func (w *ReliabilityWrapper) Upsert(ctx context.Context, table string, row map[string]any) error {
	return w.exec(ctx, func(ctx context.Context) error {
		return w.next.Upsert(ctx, table, row)
	})
}

func (w *ReliabilityWrapper) Delete(ctx context.Context, table, id string) error {
	return w.exec(ctx, func(ctx context.Context) error {
		return w.next.Delete(ctx, table, id)
	})
}

func (w *ReliabilityWrapper) FetchSince(ctx context.Context, table string, since time.Time) ([]map[string]any, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var finalRows []map[string]any

	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если сервер вернул ThrottleError (считал Retry-After заголовок)
				var tErr *gateway.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// В остальных случаях (сетевой лаг, 500-ка) — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			var callErr error
			finalRows, callErr = w.next.FetchSince(tCtx, table, since)
			return callErr
		})

		return finalRows, retryErr
	})

	if err != nil {
		return nil, err
	}

	return cbResult.([]map[string]any), nil
}

func (w *ReliabilityWrapper) exec(ctx context.Context, op func(ctx context.Context) error) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	_, err := w.cb.Execute(func() (interface{}, error) {
		tCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		return nil, op(tCtx)
	})
	return err
}
