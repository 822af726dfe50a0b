// Package ratelimit enforces per-identifier request limits across a set
// of named policies, backed by a distributed fixed-window counter with a
// fail-closed local fallback.
package ratelimit

import (
	"fmt"
	"time"
)

// Policy names a rate-limit policy. The set is closed: policies are
// enumerated at compile time and the table is validated at startup, so a
// limiter can never be asked about a policy it has no limits for.
type Policy string

const (
	PolicyAuth          Policy = "auth"
	PolicyPasswordReset Policy = "password_reset"
	PolicyWebhook       Policy = "webhook"
	PolicyDashboard     Policy = "dashboard"
	PolicyPublic        Policy = "public"
)

// Policies lists every policy the default table must cover.
func Policies() []Policy {
	return []Policy{
		PolicyAuth,
		PolicyPasswordReset,
		PolicyWebhook,
		PolicyDashboard,
		PolicyPublic,
	}
}

// IdentifierGlobal is the identifier used by process-wide policies,
// where the limit applies to all senders combined rather than per sender.
const IdentifierGlobal = "global"

// Limits defines a fixed-window budget: at most Max requests per Window.
type Limits struct {
	Max    int
	Window time.Duration
}

// PolicyLimits pairs the normal budget with the stricter budget
// substituted while the distributed counter is unreachable. The degraded
// variant never allows more throughput than the normal one; windows may
// widen and counts shrink independently as long as that holds.
type PolicyLimits struct {
	Normal   Limits
	Degraded Limits
}

// Table maps every policy to its limits. Compiled into the binary;
// tests construct their own tables for isolated limiter instances.
type Table map[Policy]PolicyLimits

// DefaultTable returns the production policy table.
func DefaultTable() Table {
	return Table{
		PolicyAuth: {
			Normal:   Limits{Max: 5, Window: 15 * time.Second},
			Degraded: Limits{Max: 3, Window: 30 * time.Second},
		},
		PolicyPasswordReset: {
			Normal:   Limits{Max: 3, Window: time.Hour},
			Degraded: Limits{Max: 2, Window: time.Hour},
		},
		PolicyWebhook: {
			Normal:   Limits{Max: 100, Window: time.Minute},
			Degraded: Limits{Max: 50, Window: time.Minute},
		},
		PolicyDashboard: {
			Normal:   Limits{Max: 60, Window: time.Minute},
			Degraded: Limits{Max: 30, Window: time.Minute},
		},
		PolicyPublic: {
			Normal:   Limits{Max: 30, Window: time.Minute},
			Degraded: Limits{Max: 15, Window: time.Minute},
		},
	}
}

// Validate checks that the table covers the given policies and that every
// degraded budget allows at most the normal throughput. Called once at
// limiter construction so a misconfigured table fails at startup, not on
// a request path.
func (t Table) Validate(policies []Policy) error {
	for _, p := range policies {
		pl, ok := t[p]
		if !ok {
			return fmt.Errorf("ratelimit: policy %q missing from table", p)
		}
		if pl.Normal.Max <= 0 || pl.Normal.Window <= 0 {
			return fmt.Errorf("ratelimit: policy %q has invalid normal limits", p)
		}
		if pl.Degraded.Max <= 0 || pl.Degraded.Window <= 0 {
			return fmt.Errorf("ratelimit: policy %q has invalid degraded limits", p)
		}
		normalRate := float64(pl.Normal.Max) / pl.Normal.Window.Seconds()
		degradedRate := float64(pl.Degraded.Max) / pl.Degraded.Window.Seconds()
		if degradedRate > normalRate {
			return fmt.Errorf("ratelimit: policy %q degraded throughput exceeds normal", p)
		}
	}
	return nil
}
