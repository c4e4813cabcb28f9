package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// httpStatusError is implemented by upstream API errors that carry an HTTP status.
type httpStatusError interface {
	HTTPStatus() int
}

func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return classifyHTTPStatus(statusErr.HTTPStatus())
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func classifyHTTPStatus(code int) Decision {
	switch {
	case code == http.StatusTooManyRequests:
		return Decision{Class: ClassTransient, Reason: "http_429"}
	case code == http.StatusRequestTimeout:
		return Decision{Class: ClassTransient, Reason: "http_408"}
	case code >= 500:
		return Decision{Class: ClassTransient, Reason: "http_5xx"}
	default:
		return Decision{Class: ClassTerminal, Reason: "http_4xx"}
	}
}

func classifySQLState(code string) Decision {
	switch {
	case strings.HasPrefix(code, "08"):
		return Decision{Class: ClassTransient, Reason: "sql_connection_exception"}
	case code == "40001" || code == "40P01":
		return Decision{Class: ClassTransient, Reason: "sql_serialization"}
	case code == "53300" || code == "57P01" || code == "57P03":
		return Decision{Class: ClassTransient, Reason: "sql_unavailable"}
	default:
		return Decision{Class: ClassTerminal, Reason: "sql_" + code}
	}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"server closed idle connection",
	"unexpected eof",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"parse error",
	"not found",
	"constraint violation",
	"unauthorized",
	"forbidden",
}

// Backoff computes exponential delays with full jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	rng  *rand.Rand
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 60 * time.Second}
}

// WithRand returns a copy using rng as its jitter source.
func (b Backoff) WithRand(rng *rand.Rand) Backoff {
	b.rng = rng
	return b
}

// Delay returns the wait before the given 1-based attempt: a uniform value
// in [0, min(Base*2^(attempt-1), Max)].
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	rng := b.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(rng.Int63n(int64(ceiling) + 1))
}

// Ceiling is the un-jittered exponential delay for attempt, capped at Max.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = 60 * time.Second
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
