package pipeline

import (
	"context"
	"testing"
	"time"

	"notivox/internal/apps"
	"notivox/internal/config"
	"notivox/internal/event"
	"notivox/internal/eventbus"
	"notivox/internal/history"
	"notivox/internal/rules"
	"notivox/internal/speech"
	"notivox/pkg/logx"
)

type fakeEngine struct {
	started chan string
	release chan error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan string, 16), release: make(chan error)}
}

func (f *fakeEngine) Speak(ctx context.Context, text string) error {
	f.started <- text
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.release:
		return err
	}
}

type fixture struct {
	pipe     *Pipeline
	registry *apps.Registry
	hist     *history.Log
	disp     *speech.Dispatcher
	engine   *fakeEngine
	bus      eventbus.Bus
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}

	bus := eventbus.New()
	registry := apps.NewRegistry(nil, nil, cfg.DefaultEnabled(), logx.Nop())
	if err := registry.Start(context.Background()); err != nil {
		t.Fatalf("registry start: %v", err)
	}

	eval := rules.NewEvaluator(nil, logx.Nop())
	eval.Apply(cfg)

	hist := history.NewLog(bus)
	engine := newFakeEngine()
	disp := speech.NewDispatcher(engine, logx.Nop(), bus)
	disp.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		disp.Stop(ctx)
		registry.Stop(ctx)
	})

	pipe := New(registry, eval, hist, disp, bus, logx.Nop())
	return &fixture{pipe: pipe, registry: registry, hist: hist, disp: disp, engine: engine, bus: bus}
}

func TestHandleSpeaks(t *testing.T) {
	fx := newFixture(t, nil)

	n := event.Notification{PackageID: "org.mail", Title: "new mail", ContentText: "hi"}
	if err := fx.pipe.Handle(context.Background(), n); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case text := <-fx.engine.started:
		if text != "new mail\nhi" {
			t.Fatalf("unexpected spoken text %q", text)
		}
	case <-time.After(time.Second):
		t.Fatalf("engine never started")
	}
	fx.engine.release <- nil

	if fx.hist.Len() != 1 {
		t.Fatalf("expected 1 history entry, got %d", fx.hist.Len())
	}
	e := fx.hist.Snapshot()[0]
	if !e.Spoken() || e.TTSMessage != "new mail\nhi" {
		t.Fatalf("unexpected history entry: %+v", e)
	}
}

func TestHandleIgnoredStillLogged(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registry.SetEnabled("org.spam", false, false)

	events, unsub := fx.bus.Subscribe(16)
	defer unsub()

	n := event.Notification{PackageID: "org.spam", Title: "offer"}
	if err := fx.pipe.Handle(context.Background(), n); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if fx.hist.Len() != 1 {
		t.Fatalf("ignored notifications must still be logged")
	}
	e := fx.hist.Snapshot()[0]
	if e.Spoken() || e.TTSMessage != "" {
		t.Fatalf("unexpected history entry: %+v", e)
	}
	if e.ReasonsText() == "" {
		t.Fatalf("expected ignore reasons on the entry")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeNotificationIgnored {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event seen", eventbus.TypeNotificationIgnored)
		}
	}
}

func TestPriorityAppInterrupts(t *testing.T) {
	fx := newFixture(t, nil)
	fx.registry.SetPriority("org.alarm", true)

	if err := fx.pipe.Handle(context.Background(), event.Notification{PackageID: "org.mail", Title: "mail"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	<-fx.engine.started

	if err := fx.pipe.Handle(context.Background(), event.Notification{PackageID: "org.alarm", Title: "alarm"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case text := <-fx.engine.started:
		if text != "alarm" {
			t.Fatalf("expected alarm to speak, got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatalf("alarm never started")
	}
	fx.engine.release <- nil

	// The preempted entry must be written back as interrupted.
	deadline := time.Now().Add(time.Second)
	for {
		var mail *history.Entry
		for _, e := range fx.hist.Snapshot() {
			if e.App.PackageID == "org.mail" {
				mail = e
			}
		}
		if mail != nil && mail.IsInterrupted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("mail entry never marked interrupted")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHandleCancelledContext(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fx.pipe.Handle(ctx, event.Notification{PackageID: "a", Title: "x"}); err == nil {
		t.Fatalf("expected context error")
	}
	if fx.hist.Len() != 0 {
		t.Fatalf("cancelled handle must not log")
	}
}
