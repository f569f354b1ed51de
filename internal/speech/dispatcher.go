package speech

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"notivox/internal/eventbus"
	"notivox/pkg/logx"
)

const defaultQueueSize = 64

// Dispatcher serializes utterances through a single Engine. At most one
// request is speaking at a time; the rest wait in FIFO order. A request
// flagged Interrupt preempts whatever is speaking and jumps the queue.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	engine Engine
	log    logx.Logger
	bus    eventbus.Bus

	maxQueue int

	current       *Request
	currentCancel context.CancelFunc
	queue         []*Request

	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	speakWG   sync.WaitGroup

	// Engine failures are surfaced loudly once, then quietly.
	engineNoticed bool

	// Write-back for preempted entries; optional.
	onInterrupted func(*Request)
}

func NewDispatcher(engine Engine, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if engine == nil {
		engine = NopEngine{}
	}
	return &Dispatcher{
		engine:   engine,
		log:      log,
		bus:      bus,
		maxQueue: defaultQueueSize,
	}
}

// SetQueueSize bounds the waiting queue. Zero or negative keeps the default.
func (d *Dispatcher) SetQueueSize(n int) {
	d.mu.Lock()
	if n > 0 {
		d.maxQueue = n
	}
	d.mu.Unlock()
}

// SetEngine swaps the synthesis engine. Takes effect for the next utterance.
func (d *Dispatcher) SetEngine(engine Engine) {
	if engine == nil {
		engine = NopEngine{}
	}
	d.mu.Lock()
	d.engine = engine
	d.engineNoticed = false
	d.mu.Unlock()
}

// OnInterrupted registers a callback invoked whenever a speaking request is
// preempted or cancelled mid-utterance.
func (d *Dispatcher) OnInterrupted(fn func(*Request)) {
	d.mu.Lock()
	d.onInterrupted = fn
	d.mu.Unlock()
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	d.mu.Unlock()
}

// Stop cancels everything in flight and waits for the engine call to return,
// best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.runCancel
	d.cancelAllLocked()
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.speakWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Submit hands one utterance to the dispatcher. The request's state is
// observable via Request.State afterwards. Returns ErrStopped when the
// dispatcher is not running and ErrQueueFull when the waiting queue is at
// capacity.
func (d *Dispatcher) Submit(req *Request) error {
	if req == nil {
		return nil
	}
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		req.setState(StateCancelled)
		return ErrStopped
	}

	if d.current == nil {
		d.startLocked(req)
		d.mu.Unlock()
		return nil
	}

	if req.Interrupt {
		d.preemptLocked()
		// Jump the queue: speak as soon as the engine lets go.
		req.setState(StateQueued)
		d.queue = append([]*Request{req}, d.queue...)
		d.mu.Unlock()
		return nil
	}

	if len(d.queue) >= d.maxQueue {
		d.mu.Unlock()
		req.setState(StateCancelled)
		return ErrQueueFull
	}
	req.setState(StateQueued)
	d.queue = append(d.queue, req)
	d.publish(eventbus.TypeSpeechQueued, req)
	d.mu.Unlock()
	return nil
}

// CancelAll drops every queued request and stops the current utterance.
// The dispatcher stays running and accepts new submissions.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	d.cancelAllLocked()
	d.mu.Unlock()
}

// Speaking reports whether an utterance is currently in flight.
func (d *Dispatcher) Speaking() bool {
	d.mu.Lock()
	cur := d.current
	d.mu.Unlock()
	return cur != nil
}

// QueueLen reports how many requests are waiting behind the current one.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	n := len(d.queue)
	d.mu.Unlock()
	return n
}

func (d *Dispatcher) cancelAllLocked() {
	for _, r := range d.queue {
		r.setState(StateCancelled)
		d.publish(eventbus.TypeSpeechCancelled, r)
	}
	d.queue = nil
	if d.current != nil {
		d.current.setState(StateCancelled)
		d.publish(eventbus.TypeSpeechCancelled, d.current)
		if d.currentCancel != nil {
			d.currentCancel()
		}
	}
}

// preemptLocked marks the speaking request interrupted and kills its engine
// call. The speak goroutine observes the terminal state and moves on.
func (d *Dispatcher) preemptLocked() {
	cur := d.current
	if cur == nil {
		return
	}
	cur.setState(StateInterrupted)
	if d.currentCancel != nil {
		d.currentCancel()
	}
	d.publish(eventbus.TypeSpeechInterrupted, cur)
	if d.onInterrupted != nil {
		fn := d.onInterrupted
		go fn(cur)
	}
}

func (d *Dispatcher) startLocked(req *Request) {
	ctx, cancel := context.WithCancel(d.runCtx)
	d.current = req
	d.currentCancel = cancel
	req.setState(StateSpeaking)
	d.publish(eventbus.TypeSpeechStarted, req)

	engine := d.engine
	d.speakWG.Add(1)
	go func() {
		defer d.speakWG.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic in speech engine", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				d.finish(req, nil)
			}
		}()
		err := engine.Speak(ctx, req.Text)
		cancel()
		d.finish(req, err)
	}()
}

// finish runs when the engine call for req returns, settles req's terminal
// state and starts the next queued request.
func (d *Dispatcher) finish(req *Request, err error) {
	d.mu.Lock()
	if d.current == req {
		d.current = nil
		d.currentCancel = nil
	}

	switch req.State() {
	case StateInterrupted, StateCancelled:
		// Settled by preemptLocked or cancelAllLocked; nothing more to record.
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			req.setState(StateCancelled)
			if !d.engineNoticed {
				d.engineNoticed = true
				d.log.Error("speech engine failed, utterance dropped", logx.Err(err))
			} else {
				d.log.Debug("speech engine failed", logx.Err(err))
			}
			d.publish(eventbus.TypeSpeechCancelled, req)
		} else {
			req.setState(StateCompleted)
			d.publish(eventbus.TypeSpeechCompleted, req)
		}
	}

	var next *Request
	if d.running && len(d.queue) > 0 {
		next = d.queue[0]
		d.queue = d.queue[1:]
	}
	if next != nil {
		d.startLocked(next)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) publish(typ string, req *Request) {
	if d.bus == nil {
		return
	}
	now := time.Now()
	ev := SpeechEvent{State: req.State().String(), At: now}
	if req.Entry != nil {
		ev.Package = req.Entry.App.PackageID
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// SpeechEvent is the bus payload published on every state transition.
type SpeechEvent struct {
	Package string    `json:"package,omitempty"`
	State   string    `json:"state"`
	At      time.Time `json:"at"`
}
