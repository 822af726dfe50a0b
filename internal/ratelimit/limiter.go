package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cabibbz/koya-caller-sub002/internal/clock"
)

// Decision is the outcome of a rate-limit check. Check always produces
// one; there is no error path for callers to forget.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    int64 // epoch seconds when the window resets
	RetryAfter int   // seconds until a retry may succeed; zero when allowed
}

// Counter is the distributed fixed-window counter contract: an atomic
// increment-and-check keyed by policy and identifier. Implementations are
// treated as unreachable at any moment; the limiter recovers locally.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// errLogCooldown spaces out backend-failure log lines so a counter outage
// under load does not turn into a log storm.
const errLogCooldown = time.Minute

// Limiter checks requests against the policy table. With a counter
// configured it enforces the normal limits globally; when the counter
// errors it fails closed to the degraded limits on the local store. With
// no counter at all (local development) it enforces the normal limits
// locally and emits no warnings.
//
// Construct one per process and inject it; there are no package-level
// instances.
type Limiter struct {
	table   Table
	counter Counter
	local   *LocalStore
	clock   clock.Clock
	logger  *slog.Logger

	onDecision    func(policy Policy, mode string, allowed bool)
	localCapacity int

	mu         sync.Mutex
	lastErrLog time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets the distributed counter backend. Absent, the limiter
// operates in local-only mode.
func WithCounter(c Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithLocalCapacity bounds the fallback store.
func WithLocalCapacity(n int) Option {
	return func(l *Limiter) { l.localCapacity = n }
}

// WithClock sets the time source, used by tests.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) { l.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithDecisionHook registers a callback invoked after every check, used
// to emit metrics. mode is "distributed", "local", or "degraded".
func WithDecisionHook(fn func(policy Policy, mode string, allowed bool)) Option {
	return func(l *Limiter) { l.onDecision = fn }
}

// New validates the table against the known policies and builds a
// limiter. An incomplete table is a programming error and panics so the
// process fails at startup rather than on a request path.
func New(table Table, opts ...Option) *Limiter {
	if err := table.Validate(Policies()); err != nil {
		panic(err)
	}

	l := &Limiter{
		table:  table,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.local == nil {
		l.local = NewLocalStore(l.localCapacity, l.clock)
	}
	return l
}

// Check counts one request for identifier under the named policy and
// returns the decision. It never fails: a counter outage is absorbed by
// the degraded local fallback, never surfaced to the caller.
func (l *Limiter) Check(ctx context.Context, policy Policy, identifier string) Decision {
	limits := l.table[policy]
	key := string(policy) + ":" + identifier

	if l.counter != nil {
		count, ttl, err := l.counter.Incr(ctx, "ratelimit:"+key, limits.Normal.Window)
		if err == nil {
			now := l.clock.Now()
			d := decide(int(count), limits.Normal.Max, now, now.Add(ttl))
			l.observe(policy, "distributed", d.Allowed)
			return d
		}

		// Fail closed: an unreachable backend means the stricter
		// degraded limits, enforced per process.
		l.logBackendError(err, policy)
		count2, resetAt := l.local.Incr(key, limits.Degraded.Window)
		d := decide(count2, limits.Degraded.Max, l.clock.Now(), resetAt)
		l.observe(policy, "degraded", d.Allowed)
		return d
	}

	// Local-only mode: expected operation without counter credentials,
	// not a failure. Normal limits apply.
	count, resetAt := l.local.Incr(key, limits.Normal.Window)
	d := decide(count, limits.Normal.Max, l.clock.Now(), resetAt)
	l.observe(policy, "local", d.Allowed)
	return d
}

func decide(count, max int, now, resetAt time.Time) Decision {
	d := Decision{
		Allowed: count <= max,
		Limit:   max,
		ResetAt: resetAt.Unix(),
	}
	if remaining := max - count; remaining > 0 {
		d.Remaining = remaining
	}
	if !d.Allowed {
		retryAfter := int(resetAt.Sub(now).Seconds() + 0.999)
		if retryAfter < 1 {
			retryAfter = 1
		}
		d.RetryAfter = retryAfter
	}
	return d
}

func (l *Limiter) observe(policy Policy, mode string, allowed bool) {
	if l.onDecision != nil {
		l.onDecision(policy, mode, allowed)
	}
}

func (l *Limiter) logBackendError(err error, policy Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastErrLog) < errLogCooldown {
		return
	}
	l.lastErrLog = now
	l.logger.Warn("rate limit counter unreachable, enforcing degraded local limits",
		"error", err,
		"policy", string(policy),
	)
}
