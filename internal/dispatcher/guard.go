package dispatcher

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig bounds outbound traffic per destination endpoint.
//
// The token bucket smooths bursts toward a single endpoint; the circuit
// breaker stops hammering a destination that keeps failing until it
// shows signs of recovery.
type GuardConfig struct {
	RequestsPerSecond float64
	Burst             int

	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerFailureRatio float64
	BreakerMinRequests  uint32

	// OnStateChange, when set, is invoked on every breaker transition.
	// Used to export breaker state as metrics.
	OnStateChange func(webhookID string, from, to gobreaker.State)
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RequestsPerSecond:   10,
		Burst:               5,
		BreakerMaxRequests:  5,
		BreakerInterval:     60 * time.Second,
		BreakerTimeout:      30 * time.Second,
		BreakerFailureRatio: 0.5,
		BreakerMinRequests:  3,
	}
}

// EndpointGuard maintains a token-bucket limiter and a circuit breaker
// per webhook endpoint, lazily created with double-checked locking. Each
// endpoint is independent so one slow or failing destination cannot
// starve deliveries to healthy ones.
type EndpointGuard struct {
	config   GuardConfig
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewEndpointGuard(config GuardConfig) *EndpointGuard {
	return &EndpointGuard{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// AllowRate reports whether a request to the endpoint fits its token
// bucket right now.
func (g *EndpointGuard) AllowRate(webhookID string) bool {
	return g.limiter(webhookID).Allow()
}

// Execute runs fn through the endpoint's circuit breaker. When the
// breaker is open it returns gobreaker.ErrOpenState without calling fn.
func (g *EndpointGuard) Execute(webhookID string, fn func() (any, error)) (any, error) {
	return g.breaker(webhookID).Execute(fn)
}

// Remove drops the endpoint's guard state, freeing memory after a
// webhook is deleted.
func (g *EndpointGuard) Remove(webhookID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, webhookID)
	delete(g.breakers, webhookID)
}

func (g *EndpointGuard) limiter(webhookID string) *rate.Limiter {
	g.mu.RLock()
	l, ok := g.limiters[webhookID]
	g.mu.RUnlock()
	if ok {
		return l
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok = g.limiters[webhookID]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(g.config.RequestsPerSecond), g.config.Burst)
	g.limiters[webhookID] = l
	return l
}

func (g *EndpointGuard) breaker(webhookID string) *gobreaker.CircuitBreaker {
	g.mu.RLock()
	b, ok := g.breakers[webhookID]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[webhookID]; ok {
		return b
	}
	settings := gobreaker.Settings{
		Name:        webhookID,
		MaxRequests: g.config.BreakerMaxRequests,
		Interval:    g.config.BreakerInterval,
		Timeout:     g.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < g.config.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= g.config.BreakerFailureRatio
		},
	}
	if g.config.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			g.config.OnStateChange(name, from, to)
		}
	}
	b = gobreaker.NewCircuitBreaker(settings)
	g.breakers[webhookID] = b
	return b
}
