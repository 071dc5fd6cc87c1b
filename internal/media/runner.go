package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ErrTimeout is returned when a backend invocation outlives its deadline.
var ErrTimeout = errors.New("backend command timed out")

const maxDiagnostic = 4096

// CommandError reports a failed backend invocation with its captured
// diagnostics.
type CommandError struct {
	Op     string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func parseCommand(kind, line string) ([]string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", kind, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command empty", kind)
	}
	return args, nil
}

type result struct {
	stdout []byte
	stderr []byte
}

// run executes base+args under its own timeout. A cancelled parent context is
// reported as the context error, an expired local deadline as ErrTimeout.
func (b *Backend) run(ctx context.Context, op string, base []string, timeout time.Duration, args ...string) (result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, base[1:]...), args...)
	// #nosec G204 -- binary comes from operator config, args are built here
	cmd := exec.CommandContext(runCtx, base[0], argv...)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)
	res := result{stdout: stdout.Bytes(), stderr: stderr.Bytes()}

	b.log.Debug("backend command finished",
		slog.String("op", op),
		slog.String("binary", base[0]),
		slog.Duration("elapsed", elapsed),
		slog.Bool("ok", err == nil))

	if err == nil {
		return res, nil
	}
	cerr := &CommandError{Op: op, Args: argv, Stderr: diagnostic(res.stderr), Err: err}
	switch {
	case ctx.Err() != nil:
		cerr.Err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		cerr.Err = fmt.Errorf("%w after %v", ErrTimeout, timeout)
	}
	return res, cerr
}

func diagnostic(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > maxDiagnostic {
		s = "..." + s[len(s)-maxDiagnostic:]
	}
	return s
}
