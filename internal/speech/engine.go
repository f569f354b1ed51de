package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Engine synthesizes one utterance at a time. Speak blocks until the
// utterance finishes or ctx is cancelled; cancelling ctx is how the
// dispatcher interrupts playback.
type Engine interface {
	Speak(ctx context.Context, text string) error
}

// NopEngine discards utterances immediately. Used when no synthesis command
// is configured and in tests.
type NopEngine struct{}

func (NopEngine) Speak(ctx context.Context, text string) error { return ctx.Err() }

const defaultSpeakTimeout = 60 * time.Second

// ExecEngine speaks by running an external synthesizer such as espeak-ng,
// feeding the text on stdin. One process per utterance; killing the process
// (via ctx) stops playback mid-word.
type ExecEngine struct {
	command string
	args    []string
	timeout time.Duration
}

func NewExecEngine(command string, args []string, timeout time.Duration) *ExecEngine {
	if timeout <= 0 {
		timeout = defaultSpeakTimeout
	}
	return &ExecEngine{command: command, args: args, timeout: timeout}
}

func (e *ExecEngine) Speak(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		// Killed or timed out; the cause matters, not the exit status.
		return cerr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s exited with code %d: %s", e.command, exitErr.ExitCode(), msg)
		}
		return fmt.Errorf("%s exited with code %d", e.command, exitErr.ExitCode())
	}
	return fmt.Errorf("run %s: %w", e.command, err)
}
