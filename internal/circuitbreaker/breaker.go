package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, rejecting requests
	StateHalfOpen              // One trial call admitted
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

// Breaker tracks the failure streak of one service.
type Breaker struct {
	mu               sync.Mutex
	service          string
	state            State
	failureCount     int
	totalCalls       int64
	successCount     int64
	failureThreshold int
	openTimeout      time.Duration
	lastFailureAt    time.Time
	trialInFlight    bool
	now              func() time.Time
	onStateChange    func(service string, from, to State)
}

// Config configures a circuit breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening (default: 5)
	OpenTimeout      time.Duration // how long to stay open before a trial call (default: 60s)
	OnStateChange    func(service string, from, to State)
	Now              func() time.Time
}

// Stats is a point-in-time copy of a breaker's counters.
type Stats struct {
	Service             string
	State               State
	ConsecutiveFailures int
	TotalCalls          int64
	Successes           int64
	LastFailureAt       time.Time
}

func New(service string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		service:          service,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		openTimeout:      cfg.OpenTimeout,
		onStateChange:    cfg.OnStateChange,
		now:              cfg.Now,
	}
}

// Allow checks if a call may be attempted. An open breaker whose cooldown has
// elapsed moves to half-open and admits exactly one trial call; further calls
// are rejected until that trial is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Before(b.lastFailureAt.Add(b.openTimeout)) {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	b.successCount++
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.setState(StateClosed)
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	b.failureCount++
	b.lastFailureAt = b.now()
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.setState(StateOpen)
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.setState(StateOpen)
		}
	}
}

// RecordAnswered records a call the service answered with a definitive
// rejection, such as a 404. It ends the failure streak without counting a
// success, and closes a half-open circuit.
func (b *Breaker) RecordAnswered() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.setState(StateClosed)
	}
}

// Release gives back an admitted call that produced no verdict, such as one
// aborted by context cancellation.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a copy of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Service:             b.service,
		State:               b.state,
		ConsecutiveFailures: b.failureCount,
		TotalCalls:          b.totalCalls,
		Successes:           b.successCount,
		LastFailureAt:       b.lastFailureAt,
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failureCount = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(b.service, from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
