// Package ratelimit bounds how often leads may submit the intake form.
//
// A Limiter checks a set of sliding-window policies before a submission is
// accepted and records the submission once it has been stored, so rejected or
// invalid submissions never count against a lead.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadGate/internal/models"
)

// Kinds of subjects a policy applies to.
const (
	KindEmail = "email"
	KindIP    = "ip"
)

// Policy allows at most Limit hits per Window for one subject kind.
type Policy struct {
	Kind   string
	Limit  int
	Window time.Duration
	Reason string // shown to the lead when the policy rejects a submission
}

// DefaultPolicies are the submission limits per email address and per client IP.
var DefaultPolicies = []Policy{
	{Kind: KindEmail, Limit: 3, Window: 24 * time.Hour, Reason: "Maximum submissions per email reached for today"},
	{Kind: KindIP, Limit: 10, Window: time.Hour, Reason: "Too many submissions from this location"},
}

// Store keeps timestamped hits per key.
type Store interface {
	// Count returns the number of hits recorded for key at or after since.
	Count(ctx context.Context, key string, since time.Time) (int, error)
	// Add records a hit at the given time. Hits older than window may be discarded.
	Add(ctx context.Context, key string, at time.Time, window time.Duration) error
}

// LimitError reports which policy rejected a submission.
type LimitError struct {
	Kind   string
	Reason string
}

func (e *LimitError) Error() string { return e.Reason }

// Unwrap lets callers match the error with models.ErrRateLimited.
func (e *LimitError) Unwrap() error { return models.ErrRateLimited }

// Subject identifies who is submitting. Empty fields are not limited.
type Subject struct {
	Email string
	IP    string
}

func (s Subject) value(kind string) string {
	switch kind {
	case KindEmail:
		return strings.ToLower(strings.TrimSpace(s.Email))
	case KindIP:
		return strings.TrimSpace(s.IP)
	}
	return ""
}

// Opts holds configuration options for the Limiter.
type Opts struct {
	Policies []Policy
	Prefix   string
	Clock    func() time.Time
}

// Option defines a configuration option for the Limiter.
type Option func(*Opts)

// WithPolicies replaces DefaultPolicies.
func WithPolicies(p ...Policy) Option {
	return func(o *Opts) { o.Policies = p }
}

// WithKeyPrefix namespaces the store keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.Prefix = prefix }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Limiter applies policies against a Store. It is safe for concurrent use;
// a check followed by a record is not atomic, so concurrent submissions may
// slightly exceed a limit.
type Limiter struct {
	store    Store
	policies []Policy
	prefix   string
	now      func() time.Time
}

// New creates a Limiter backed by store.
func New(store Store, opts ...Option) *Limiter {
	cfg := Opts{Policies: DefaultPolicies, Prefix: "leadgate:ratelimit", Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Limiter{store: store, policies: cfg.Policies, prefix: cfg.Prefix, now: cfg.Clock}
}

func (l *Limiter) key(kind, value string) string {
	return l.prefix + ":" + kind + ":" + value
}

// Check returns a *LimitError for the first policy the subject has exhausted.
// Policies are checked in order.
func (l *Limiter) Check(ctx context.Context, subject Subject) error {
	now := l.now()
	for _, p := range l.policies {
		value := subject.value(p.Kind)
		if value == "" {
			continue
		}
		n, err := l.store.Count(ctx, l.key(p.Kind, value), now.Add(-p.Window))
		if err != nil {
			return fmt.Errorf("rate limit check failed: %w", err)
		}
		if n >= p.Limit {
			slog.Info("Limiter.Check: limit reached", "kind", p.Kind, "count", n, "limit", p.Limit)
			return &LimitError{Kind: p.Kind, Reason: p.Reason}
		}
	}
	return nil
}

// Record counts one accepted submission against every policy.
func (l *Limiter) Record(ctx context.Context, subject Subject) error {
	now := l.now()
	for _, p := range l.policies {
		value := subject.value(p.Kind)
		if value == "" {
			continue
		}
		if err := l.store.Add(ctx, l.key(p.Kind, value), now, p.Window); err != nil {
			return fmt.Errorf("rate limit record failed: %w", err)
		}
	}
	return nil
}

// sweeper is implemented by stores that hold expired keys until told to drop them.
type sweeper interface {
	Sweep(now time.Time) int
}

// Sweep drops idle keys from stores that need it. Stores that expire keys on
// their own are left alone.
func (l *Limiter) Sweep(context.Context) error {
	sw, ok := l.store.(sweeper)
	if !ok {
		return nil
	}
	if n := sw.Sweep(l.now()); n > 0 {
		slog.Debug("Limiter.Sweep: removed idle keys", "count", n)
	}
	return nil
}
