// Package invoke launches one external probe process per backend under a hard
// wall-clock deadline.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"fleetprobe/internal/classify"
)

// Result is the captured outcome of a single invocation. Timeouts and
// non-zero exits are ordinary values, never errors; a timed-out process
// reports classify.TimeoutExitCode and whatever partial output it produced.
type Result struct {
	ExitCode int
	TimedOut bool
	Output   string
	// Truncated reports that output exceeded the retention cap.
	Truncated bool
}

type Invoker interface {
	Invoke(ctx context.Context, backendID, prompt string, timeout time.Duration) (Result, error)
}

// CommandInvoker drives an argv template where {model} and {prompt} expand to
// the backend ID and probe prompt.
type CommandInvoker struct {
	Template []string
	// MaxCapturedBytes bounds retained combined output; <=0 means unbounded.
	MaxCapturedBytes int
}

func NewCommandInvoker(template []string, maxCapturedBytes int) (*CommandInvoker, error) {
	if len(template) == 0 {
		return nil, errors.New("empty command template")
	}
	return &CommandInvoker{Template: template, MaxCapturedBytes: maxCapturedBytes}, nil
}

func expandTemplate(template []string, backendID, prompt string) []string {
	argv := make([]string, len(template))
	for i, arg := range template {
		arg = strings.ReplaceAll(arg, "{model}", backendID)
		arg = strings.ReplaceAll(arg, "{prompt}", prompt)
		argv[i] = arg
	}
	return argv
}

// Invoke runs one probe process. The only error it returns is failure to
// launch the process at all (e.g. binary not found), which is fatal to the
// whole run.
func (inv *CommandInvoker) Invoke(ctx context.Context, backendID, prompt string, timeout time.Duration) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := expandTemplate(inv.Template, backendID, prompt)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)

	// Stdout and Stderr share one writer, so os/exec serializes them into a
	// single combined stream.
	buf := &cappedBuffer{limit: inv.MaxCapturedBytes}
	cmd.Stdout = buf
	cmd.Stderr = buf
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("launch probe command %q: %w", argv[0], err)
	}

	waitErr := cmd.Wait()
	result := Result{
		Output:    buf.String(),
		Truncated: buf.Truncated(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = classify.TimeoutExitCode
		result.TimedOut = true
		return result, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// Wait failures other than a non-zero exit (I/O on the pipes) are
		// treated like a broken backend, not an infrastructure fault.
		result.ExitCode = 1
		if result.Output == "" {
			result.Output = waitErr.Error()
		}
		return result, nil
	}
	return result, nil
}
