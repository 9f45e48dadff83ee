package resilience

import (
	"errors"
	"sync"
	"time"

	"election-pulse/internal/infra/metrics"
)

// BreakerState — состояние предохранителя.
type BreakerState int

const (
	// BreakerClosed — запросы проходят, считаем подряд идущие ошибки.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen — пропускаем ограниченное число пробных запросов.
	BreakerHalfOpen
	// BreakerOpen — запросы отклоняются до истечения таймаута.
	BreakerOpen
)

// ErrBreakerOpen возвращается, когда предохранитель отклоняет запрос.
var ErrBreakerOpen = errors.New("предохранитель открыт: модель временно недоступна")

// CircuitBreaker защищает внешнюю модель от шторма запросов: после
// threshold подряд идущих ошибок открывается на resetTimeout, затем
// пропускает probes пробных запросов.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	resetTimeout time.Duration
	probes       int

	state     BreakerState
	failures  int
	successes int
	inFlight  int
	openedAt  time.Time

	now func() time.Time
}

// NewCircuitBreaker создаёт предохранитель в закрытом состоянии.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration, probes int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 5 * time.Minute
	}
	if probes <= 0 {
		probes = 1
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		probes:       probes,
		state:        BreakerClosed,
		now:          time.Now,
	}
}

// Allow сообщает, можно ли выполнить запрос. В открытом состоянии
// возвращает ErrBreakerOpen до истечения таймаута.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
		b.inFlight = 1
		return nil
	case BreakerHalfOpen:
		if b.inFlight >= b.probes {
			return ErrBreakerOpen
		}
		b.inFlight++
		return nil
	}
	return nil
}

// Success фиксирует удачный запрос.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.probes {
			b.setState(BreakerClosed)
		}
	}
}

// Failure фиксирует неудачный запрос.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State возвращает текущее состояние.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) trip() {
	b.openedAt = b.now()
	b.setState(BreakerOpen)
}

func (b *CircuitBreaker) setState(state BreakerState) {
	b.state = state
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	metrics.BreakerState.Set(float64(stateGaugeValue(state)))
}

func stateGaugeValue(state BreakerState) int {
	switch state {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}
