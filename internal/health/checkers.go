// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
)

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	CheckName string
	Fn        func(ctx context.Context) CheckResult
}

func (c CheckerFunc) Name() string                          { return c.CheckName }
func (c CheckerFunc) Check(ctx context.Context) CheckResult { return c.Fn(ctx) }

// Pinger is implemented by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker reports the store unhealthy when Ping fails.
type StoreChecker struct {
	Store Pinger
}

func (StoreChecker) Name() string { return "store" }

func (c StoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.Store.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// StreamChecker maps the consumer state to a check result. Only a
// consumer that has shut down is unhealthy; reconnecting is degraded.
type StreamChecker struct {
	State func() string
}

func (StreamChecker) Name() string { return "stream" }

func (c StreamChecker) Check(context.Context) CheckResult {
	state := c.State()
	switch state {
	case "streaming":
		return CheckResult{Status: StatusHealthy, Message: state}
	case "closed":
		return CheckResult{Status: StatusUnhealthy, Message: state}
	default:
		return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("consumer %s", state)}
	}
}
