package speech

import (
	"errors"
	"sync/atomic"

	"notivox/internal/history"
)

var (
	ErrStopped   = errors.New("speech dispatcher stopped")
	ErrQueueFull = errors.New("speech queue full")
)

// State is the lifecycle of one speech request.
//
//	Queued -> Speaking -> {Completed, Interrupted, Cancelled}
type State int32

const (
	StateQueued State = iota
	StateSpeaking
	StateCompleted
	StateInterrupted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSpeaking:
		return "speaking"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request is one utterance to speak. It is ephemeral: created from the rule
// evaluator's output, consumed by the dispatcher, discarded after it ends.
type Request struct {
	Text string
	// Interrupt preempts whatever is currently speaking.
	Interrupt bool
	// Entry is a back-reference for status write-back only; the history log
	// owns the entry.
	Entry *history.Entry

	state atomic.Int32
}

// State reports the request's current lifecycle state.
func (r *Request) State() State { return State(r.state.Load()) }

func (r *Request) setState(s State) { r.state.Store(int32(s)) }

// Done reports whether the request reached a terminal state.
func (r *Request) Done() bool {
	switch r.State() {
	case StateCompleted, StateInterrupted, StateCancelled:
		return true
	default:
		return false
	}
}
