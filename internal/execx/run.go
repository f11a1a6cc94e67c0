// Package execx runs external commands with a hard timeout and captured
// output. It is the single path through which the server touches platform
// tooling (easy-rsa, systemctl), so every invocation is bounded and logged.
package execx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/atlasvpn/atlas/internal/logging"
)

// ErrTimeout marks a command that was killed because it exceeded the
// runner's deadline.
var ErrTimeout = errors.New("command timed out")

// Runner executes commands with a per-invocation timeout.
type Runner struct {
	timeout time.Duration
	logger  logging.Logger
}

// NewRunner returns a Runner that bounds every command by timeout.
func NewRunner(timeout time.Duration, logger logging.Logger) *Runner {
	return &Runner{timeout: timeout, logger: logger}
}

// Run executes name with args, returning combined stdout/stderr output.
// The command is killed when the timeout elapses; that case is reported as
// ErrTimeout so callers can map it onto their own error kinds.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))

	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Error(ctx, "command timed out", "cmd", name, "args", strings.Join(args, " "))
		return output, fmt.Errorf("%w: %s", ErrTimeout, name)
	}
	if err != nil {
		r.logger.Error(ctx, "command failed", "cmd", name, "args", strings.Join(args, " "), "error", err, "output", output)
		return output, fmt.Errorf("%s: %w", name, err)
	}

	r.logger.Debug(ctx, "command succeeded", "cmd", name, "args", strings.Join(args, " "))
	return output, nil
}

// LookPath reports whether the named binary is available on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
