// Package source feeds notifications into the pipeline. The desktop bus
// monitor is the production source; Replay exists for drills and tests.
package source

import (
	"context"

	"notivox/internal/event"
)

// Handler consumes one intercepted notification.
type Handler func(ctx context.Context, n event.Notification) error

// Source is a producer of notifications. Run blocks until the source is
// exhausted, ctx ends, or the transport fails.
type Source interface {
	Run(ctx context.Context) error
}

// Replay plays a fixed set of notifications through the handler.
// Useful for smoke-testing a configuration without waiting for real traffic.
type Replay struct {
	Notifications []event.Notification
	Handler       Handler
}

func (r *Replay) Run(ctx context.Context) error {
	for _, n := range r.Notifications {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Handler == nil {
			continue
		}
		if err := r.Handler(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
