package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"golang.org/x/time/rate"
)

// Acquirer is a non-blocking token gate keyed by service name.
type Acquirer interface {
	Acquire(key string) bool
}

// Rule allows Tokens acquisitions per Interval.
type Rule struct {
	Tokens   int
	Interval time.Duration
}

// DefaultRule is applied to keys without an explicit override.
var DefaultRule = Rule{Tokens: 50, Interval: time.Second}

func (r Rule) valid() bool {
	return r.Tokens > 0 && r.Interval > 0
}

func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.Tokens, r.Interval)
}

// Limiter is a process-wide set of token buckets, one per key. Each bucket
// holds at most Tokens and refills at Tokens per Interval.
type Limiter struct {
	mu      sync.Mutex
	def     Rule
	rules   map[string]Rule
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source used to refill buckets.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRule sets the rule for a single key.
func WithRule(key string, rule Rule) Option {
	return func(l *Limiter) {
		if rule.valid() {
			l.rules[key] = rule
		}
	}
}

func New(def Rule, opts ...Option) *Limiter {
	if !def.valid() {
		def = DefaultRule
	}
	l := &Limiter{
		def:     def,
		rules:   make(map[string]Rule),
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Acquire takes one token for key. It never blocks: when the bucket is empty
// it returns false and the caller decides whether to defer or fail.
func (l *Limiter) Acquire(key string) bool {
	l.mu.Lock()
	bucket := l.bucketLocked(key)
	ok := bucket.AllowN(l.now(), 1)
	l.mu.Unlock()

	if !ok {
		metrics.RateLimitRefusals.WithLabelValues(key).Inc()
	}
	return ok
}

// RuleFor returns the rule applied to key.
func (l *Limiter) RuleFor(key string) Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rule, ok := l.rules[key]; ok {
		return rule
	}
	return l.def
}

func (l *Limiter) bucketLocked(key string) *rate.Limiter {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	rule, ok := l.rules[key]
	if !ok {
		rule = l.def
	}
	every := rule.Interval / time.Duration(rule.Tokens)
	b := rate.NewLimiter(rate.Every(every), rule.Tokens)
	// Buckets start full; anchor the refill clock to the injected time source.
	b.SetLimitAt(l.now(), rate.Every(every))
	l.buckets[key] = b
	return b
}

// ParseRules parses "key=tokens/interval" pairs separated by commas, for
// example "provider-api=10/1s,provider-backfill=5/500ms".
func ParseRules(raw string) (map[string]Rule, error) {
	rules := make(map[string]Rule)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, spec, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rate limit rule %q: missing '='", part)
		}
		rule, err := ParseRule(spec)
		if err != nil {
			return nil, fmt.Errorf("rate limit rule %q: %w", part, err)
		}
		rules[strings.TrimSpace(key)] = rule
	}
	return rules, nil
}

// ParseRule parses a single "tokens/interval" rule such as "100/1s".
func ParseRule(spec string) (Rule, error) {
	tokensRaw, intervalRaw, ok := strings.Cut(strings.TrimSpace(spec), "/")
	if !ok {
		return Rule{}, fmt.Errorf("expected tokens/interval")
	}
	tokens, err := strconv.Atoi(strings.TrimSpace(tokensRaw))
	if err != nil || tokens <= 0 {
		return Rule{}, fmt.Errorf("tokens must be a positive integer")
	}
	interval, err := time.ParseDuration(strings.TrimSpace(intervalRaw))
	if err != nil || interval <= 0 {
		return Rule{}, fmt.Errorf("interval must be a positive duration")
	}
	return Rule{Tokens: tokens, Interval: interval}, nil
}
