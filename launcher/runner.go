package launcher

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// Runner runs an external program to completion.
type Runner interface {
	Run(ctx context.Context, argv []string) error
}

// ExecRunner runs programs as child processes wired to the given stdio.
// On context cancellation the child gets SIGINT, then SIGKILL after
// KillDelay.
type ExecRunner struct {
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	KillDelay time.Duration
}

// NewForegroundRunner returns a runner that inherits the caller's stdio.
func NewForegroundRunner() *ExecRunner {
	return &ExecRunner{
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		KillDelay: 30 * time.Second,
	}
}

func (r *ExecRunner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.KillDelay
	return cmd.Run()
}
