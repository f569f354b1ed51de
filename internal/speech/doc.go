// Package speech turns composed notification messages into audible output.
//
// A Dispatcher owns a single synthesis Engine and serializes utterances
// through it: one speaking, the rest queued FIFO. Requests flagged as
// interrupting preempt the current utterance. Every state transition is
// published on the event bus.
package speech
