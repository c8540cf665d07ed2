package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/oar-cd/hoist/domain"
)

// LocalExecutor runs commands through sh on this machine. It serves
// localhost targets and tests.
type LocalExecutor struct {
	// Env is appended to the inherited environment.
	Env []string
}

func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

func (l *LocalExecutor) Query(ctx context.Context, cmd string) (Result, error) {
	return l.run(ctx, cmd)
}

func (l *LocalExecutor) Run(ctx context.Context, cmd string) (Result, error) {
	return l.run(ctx, cmd)
}

func (l *LocalExecutor) run(ctx context.Context, cmd string) (Result, error) {
	var stdout, stderr bytes.Buffer
	err := l.Stream(ctx, cmd, nil, &stdout, &stderr)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode
		exitErr.Result = res
		return res, exitErr
	}
	return res, err
}

func (l *LocalExecutor) Stream(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Stdin = stdin
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = 2 * time.Second
	if len(l.Env) > 0 {
		c.Env = append(c.Environ(), l.Env...)
	}

	err := c.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return transportErr("local command interrupted", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: cmd, Result: Result{ExitCode: exitErr.ExitCode()}}
	}
	return transportErr("local command", err)
}

func (l *LocalExecutor) Close() error {
	return nil
}

// DefaultDialer dials SSH for remote targets and runs localhost targets
// in-process.
type DefaultDialer struct {
	SSH SSHOptions
}

func (d DefaultDialer) Dial(ctx context.Context, target domain.Target) (Executor, error) {
	if target.IsLocal() {
		return NewLocalExecutor(), nil
	}
	return DialSSH(ctx, target, d.SSH)
}
