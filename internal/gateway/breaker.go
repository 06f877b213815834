package gateway

import (
	"sync"
	"time"
)

// cbState is the state of one service's breaker.
//
//	cbClosed   calls pass through
//	cbOpen     calls are rejected until HalfOpenTimeout elapses
//	cbHalfOpen one probe call is let through
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

const (
	defaultCBErrorThreshold  = 5
	defaultCBTimeWindow      = 60 * time.Second
	defaultCBHalfOpenTimeout = 30 * time.Second
)

// CBConfig tunes the breakers. Zero fields take the defaults.
type CBConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

func (c CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultCBErrorThreshold
}

func (c CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultCBTimeWindow
}

func (c CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultCBHalfOpenTimeout
}

type serviceCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker keeps one breaker per service key. Services are tracked
// from their first recorded outcome since the config can change at runtime.
type CircuitBreaker struct {
	cfg CBConfig
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*serviceCB
}

func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*serviceCB),
	}
}

// Allow reports whether service may receive the next call. An open breaker
// turns half-open once its timeout passes and lets exactly one probe in.
func (cb *CircuitBreaker) Allow(service string) bool {
	scb := cb.get(service)
	if scb == nil {
		return true
	}

	scb.mu.Lock()
	defer scb.mu.Unlock()

	switch scb.state {
	case cbOpen:
		if cb.now().Sub(scb.openedAt) >= cb.cfg.halfOpenTimeout() {
			scb.state = cbHalfOpen
			scb.probeInflight = true
			return true
		}
		return false
	case cbHalfOpen:
		if scb.probeInflight {
			return false
		}
		scb.probeInflight = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker for service.
func (cb *CircuitBreaker) RecordSuccess(service string) {
	scb := cb.get(service)
	if scb == nil {
		return
	}
	scb.mu.Lock()
	defer scb.mu.Unlock()

	scb.state = cbClosed
	scb.errorCount = 0
	scb.probeInflight = false
	scb.windowStart = cb.now()
}

// RecordFailure counts a failure; ErrorThreshold failures inside TimeWindow
// open the breaker. A failed half-open probe reopens it immediately.
func (cb *CircuitBreaker) RecordFailure(service string) {
	scb := cb.getOrCreate(service)

	scb.mu.Lock()
	defer scb.mu.Unlock()

	now := cb.now()
	if scb.state == cbHalfOpen {
		scb.state = cbOpen
		scb.openedAt = now
		scb.probeInflight = false
		return
	}
	if now.Sub(scb.windowStart) > cb.cfg.timeWindow() {
		scb.errorCount = 0
		scb.windowStart = now
	}
	scb.errorCount++
	scb.probeInflight = false
	if scb.errorCount >= cb.cfg.errorThreshold() {
		scb.state = cbOpen
		scb.openedAt = now
	}
}

func (cb *CircuitBreaker) State(service string) cbState {
	scb := cb.get(service)
	if scb == nil {
		return cbClosed
	}
	scb.mu.Lock()
	defer scb.mu.Unlock()
	return scb.state
}

// StateLabel is "closed", "open" or "half_open".
func (cb *CircuitBreaker) StateLabel(service string) string {
	switch cb.State(service) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(service string) *serviceCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[service]
}

func (cb *CircuitBreaker) getOrCreate(service string) *serviceCB {
	if scb := cb.get(service); scb != nil {
		return scb
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if scb, ok := cb.breakers[service]; ok {
		return scb
	}
	scb := &serviceCB{windowStart: cb.now()}
	cb.breakers[service] = scb
	return scb
}
