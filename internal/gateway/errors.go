package gateway

import (
	"fmt"
	"time"
)

// ThrottleError сигнализирует, что сервер попросил притормозить (429).
// RetryAfter считывается из одноименного заголовка, чтобы ретраи
// уважали волю сервера, а не долбили его экспонентой вслепую.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

// StatusError — неуспешный HTTP-ответ сервера с телом для диагностики.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: unexpected status %d: %s", e.Code, e.Body)
}
