/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package cascade

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/chainguard-dev/clog"
)

// ValidationResult is the outcome of running the validation pipeline
// against the integration branch.
type ValidationResult struct {
	// Pass reports whether the pipeline exited zero.
	Pass bool
	// Log holds the tail of the combined output, enough to act on a
	// failure without digging through execution logs.
	Log string
}

// Validator runs the project's build/test/lint pipeline against a
// checked-out working directory. A returned error means the pipeline
// could not even start; a non-zero pipeline exit is a ValidationResult
// with Pass false, not an error.
type Validator interface {
	Validate(ctx context.Context, dir string) (ValidationResult, error)
}

// maxLogTail bounds the captured output embedded in failure records.
const maxLogTail = 4 << 10

// CommandValidator runs a configured command as the validation
// pipeline.
type CommandValidator struct {
	// Command is the argv to run, e.g. ["make", "test"].
	Command []string
	// Timeout bounds one pipeline run. Zero means 30 minutes.
	Timeout time.Duration
}

// Validate implements Validator.
func (v CommandValidator) Validate(ctx context.Context, dir string) (ValidationResult, error) {
	if len(v.Command) == 0 {
		return ValidationResult{}, errors.New("validation command not configured")
	}

	timeout := v.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clog.FromContext(ctx).With("command", v.Command[0]).With("dir", dir).Info("Running validation pipeline")

	cmd := exec.CommandContext(ctx, v.Command[0], v.Command[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return ValidationResult{Pass: true, Log: tail(out)}, nil
	case errors.As(err, &exitErr):
		return ValidationResult{Pass: false, Log: tail(out)}, nil
	case ctx.Err() != nil:
		return ValidationResult{Pass: false, Log: fmt.Sprintf("validation timed out after %s\n%s", timeout, tail(out))}, nil
	default:
		return ValidationResult{}, fmt.Errorf("starting validation pipeline: %w", err)
	}
}

func tail(out []byte) string {
	if len(out) > maxLogTail {
		out = out[len(out)-maxLogTail:]
	}
	return string(out)
}
