// Package pipeline connects notification intake to evaluation, history and
// speech. One Handle call carries a notification through the whole chain.
package pipeline

import (
	"context"
	"time"

	"notivox/internal/apps"
	"notivox/internal/event"
	"notivox/internal/eventbus"
	"notivox/internal/history"
	"notivox/internal/rules"
	"notivox/internal/speech"
	"notivox/pkg/logx"
)

type Pipeline struct {
	registry *apps.Registry
	eval     *rules.Evaluator
	hist     *history.Log
	disp     *speech.Dispatcher
	bus      eventbus.Bus
	log      logx.Logger
}

func New(registry *apps.Registry, eval *rules.Evaluator, hist *history.Log, disp *speech.Dispatcher, bus eventbus.Bus, log logx.Logger) *Pipeline {
	p := &Pipeline{
		registry: registry,
		eval:     eval,
		hist:     hist,
		disp:     disp,
		bus:      bus,
		log:      log,
	}
	// Preemption reaches back into the entry that spawned the utterance.
	disp.OnInterrupted(func(r *speech.Request) {
		if r.Entry != nil {
			hist.MarkInterrupted(r.Entry)
		}
	})
	return p
}

// Handle runs one notification through lookup, evaluation, history and, when
// nothing suppressed it, speech. Every notification lands in history whether
// it is spoken or not.
func (p *Pipeline) Handle(ctx context.Context, n event.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.PostTime.IsZero() {
		n.PostTime = time.Now()
	}

	app := p.registry.Lookup(n.PackageID)
	reasons, msg := p.eval.Evaluate(n, app)

	entry := history.NewEntry(app, n, reasons, msg)
	p.hist.Add(entry)

	if len(reasons) > 0 {
		p.log.Debug("notification ignored",
			logx.String("package", app.PackageID),
			logx.String("reasons", rules.ReasonsText(reasons)))
		if p.bus != nil {
			now := time.Now()
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationIgnored, Time: now, Data: IgnoredEvent{
				Package: app.PackageID,
				Reasons: rules.ReasonsText(reasons),
				At:      now,
			}})
		}
		return nil
	}

	req := &speech.Request{Text: msg, Interrupt: app.Priority, Entry: entry}
	if err := p.disp.Submit(req); err != nil {
		p.log.Warn("speech submit failed",
			logx.String("package", app.PackageID),
			logx.Err(err))
		return err
	}
	return nil
}

// IgnoredEvent is the bus payload for suppressed notifications.
type IgnoredEvent struct {
	Package string    `json:"package"`
	Reasons string    `json:"reasons"`
	At      time.Time `json:"at"`
}
