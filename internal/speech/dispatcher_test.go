package speech

import (
	"context"
	"errors"
	"testing"
	"time"

	"notivox/pkg/logx"
)

// fakeEngine hands control of each utterance to the test: Speak blocks until
// the test releases it or the dispatcher cancels the context.
type fakeEngine struct {
	started chan string
	release chan error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		started: make(chan string, 16),
		release: make(chan error),
	}
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

func startedDispatcher(t *testing.T, engine Engine) *Dispatcher {
	t.Helper()
	d := NewDispatcher(engine, logx.Nop(), nil)
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func waitStarted(t *testing.T, f *fakeEngine, want string) {
	t.Helper()
	select {
	case got := <-f.started:
		if got != want {
			t.Fatalf("engine started %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for engine to start %q", want)
	}
}

func waitState(t *testing.T, r *Request, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("request state = %v, want %v", r.State(), want)
}

func TestSpeakCompletes(t *testing.T) {
	f := newFakeEngine()
	d := startedDispatcher(t, f)

	a := &Request{Text: "hello"}
	if err := d.Submit(a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, f, "hello")
	if a.State() != StateSpeaking {
		t.Fatalf("expected speaking, got %v", a.State())
	}

	f.release <- nil
	waitState(t, a, StateCompleted)
}

func TestFIFOQueue(t *testing.T) {
	f := newFakeEngine()
	d := startedDispatcher(t, f)

	a := &Request{Text: "a"}
	b := &Request{Text: "b"}
	c := &Request{Text: "c"}
	for _, r := range []*Request{a, b, c} {
		if err := d.Submit(r); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	waitStarted(t, f, "a")
	if b.State() != StateQueued || c.State() != StateQueued {
		t.Fatalf("expected b and c queued, got %v %v", b.State(), c.State())
	}
	if d.QueueLen() != 2 {
		t.Fatalf("expected 2 queued, got %d", d.QueueLen())
	}

	f.release <- nil
	waitStarted(t, f, "b")
	waitState(t, a, StateCompleted)

	f.release <- nil
	waitStarted(t, f, "c")
	waitState(t, b, StateCompleted)

	f.release <- nil
	waitState(t, c, StateCompleted)
}

func TestInterruptPreempts(t *testing.T) {
	f := newFakeEngine()
	d := startedDispatcher(t, f)

	var interrupted []*Request
	done := make(chan struct{}, 1)
	d.OnInterrupted(func(r *Request) {
		interrupted = append(interrupted, r)
		done <- struct{}{}
	})

	a := &Request{Text: "a"}
	if err := d.Submit(a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, f, "a")

	b := &Request{Text: "b", Interrupt: true}
	if err := d.Submit(b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// a's engine call is cancelled and b starts immediately after.
	waitStarted(t, f, "b")
	waitState(t, a, StateInterrupted)
	if b.State() != StateSpeaking {
		t.Fatalf("expected b speaking, got %v", b.State())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("interrupt callback not invoked")
	}
	if len(interrupted) != 1 || interrupted[0] != a {
		t.Fatalf("unexpected interrupt callback args: %v", interrupted)
	}

	f.release <- nil
	waitState(t, b, StateCompleted)
}

func TestInterruptJumpsQueue(t *testing.T) {
	f := newFakeEngine()
	d := startedDispatcher(t, f)

	a := &Request{Text: "a"}
	b := &Request{Text: "b"}
	if err := d.Submit(a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, f, "a")
	if err := d.Submit(b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	c := &Request{Text: "c", Interrupt: true}
	if err := d.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, f, "c")
	waitState(t, a, StateInterrupted)

	f.release <- nil
	waitStarted(t, f, "b")
	waitState(t, c, StateCompleted)

	f.release <- nil
	waitState(t, b, StateCompleted)
}

func TestCancelAll(t *testing.T) {
	f := newFakeEngine()
	d := startedDispatcher(t, f)

	a := &Request{Text: "a"}
	b := &Request{Text: "b"}
	if err := d.Submit(a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, f, "a")
	if err := d.Submit(b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	d.CancelAll()
	waitState(t, a, StateCancelled)
	waitState(t, b, StateCancelled)
	if d.QueueLen() != 0 {
		t.Fatalf("expected empty queue, got %d", d.QueueLen())
	}

	// Still accepting after a global cancel.
	c := &Request{Text: "c"}
	if err := d.Submit(c); err != nil {
		t.Fatalf("Submit after CancelAll: %v", err)
	}
	waitStarted(t, f, "c")
	f.release <- nil
	waitState(t, c, StateCompleted)
}

func TestEngineErrorAdvancesQueue(t *testing.T) {
	f := newFakeEngine()
	d := startedDispatcher(t, f)

	a := &Request{Text: "a"}
	b := &Request{Text: "b"}
	if err := d.Submit(a); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, f, "a")
	if err := d.Submit(b); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.release <- errors.New("synth crashed")
	waitState(t, a, StateCancelled)
	waitStarted(t, f, "b")

	f.release <- nil
	waitState(t, b, StateCompleted)
}

func TestSubmitAfterStop(t *testing.T) {
	d := NewDispatcher(NopEngine{}, logx.Nop(), nil)
	d.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Stop(ctx)

	r := &Request{Text: "late"}
	if err := d.Submit(r); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if r.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %v", r.State())
	}
}
