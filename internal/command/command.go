// Package command runs one external program and tracks its lifecycle.
// Arguments are passed to the program as they are, without a shell.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/procchain/internal/log"
)

const (
	// DefaultTimeout is effectively unbounded; workflow runs can take days.
	DefaultTimeout = 100000 * time.Second

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// maxStderrLogBytes caps the stderr attached to log records.
	maxStderrLogBytes = 64 * 1024
)

// ErrNotStarted is returned when output or completion is requested from a
// command that was never started.
var ErrNotStarted = errors.New("command not started")

// Status is the lifecycle state of a Command.
type Status string

const (
	StatusNotStarted Status = "not started"
	StatusInProgress Status = "in progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
)

// Command is one invocation of an external program. It runs at most once.
type Command struct {
	args    []string
	profile string
	timeout time.Duration
	dir     string
	env     []string
	logger  *log.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	err      error
	timedOut bool
	stdout   syncBuffer
	stderr   syncBuffer
}

// Option configures a Command.
type Option func(*Command)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) { c.timeout = d }
}

// WithDir sets the working directory.
func WithDir(dir string) Option {
	return func(c *Command) { c.dir = dir }
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(c *Command) { c.env = append(c.env, env...) }
}

// WithLogger sets the logger; the default discards.
func WithLogger(l *log.Logger) Option {
	return func(c *Command) { c.logger = l }
}

// New prepares args (program first) for profile. Nothing is executed until
// Start.
func New(args []string, profile string, opts ...Option) *Command {
	c := &Command{
		args:     append([]string(nil), args...),
		profile:  profile,
		timeout:  DefaultTimeout,
		logger:   log.Nop(),
		exitCode: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Args returns a copy of the argument vector, program first.
func (c *Command) Args() []string { return append([]string(nil), c.args...) }

// String returns the arguments as a shell-quoted line, for display only.
func (c *Command) String() string { return Join(c.args) }

// Join quotes every argument that a POSIX shell would split or expand and
// joins them with spaces.
func Join(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quote(a)
	}
	return strings.Join(quoted, " ")
}

func quote(a string) string {
	if a == "" {
		return "''"
	}
	if !strings.ContainsAny(a, " \t\n'\"\\$`|&;<>()*?[]{}~#!") {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}

// Profile returns the execution profile the command was built for.
func (c *Command) Profile() string { return c.profile }

// Start launches the command in its own process group and returns
// immediately. A goroutine waits for exit and enforces the timeout.
func (c *Command) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return fmt.Errorf("command already started: %s", c)
	}
	if len(c.args) == 0 {
		return errors.New("command has no program")
	}

	cmd := exec.Command(c.args[0], c.args[1:]...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stdout = &c.stdout
	cmd.Stderr = &c.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	c.logger.Debug("starting command", "command", c.String(), "profile", c.profile, "timeout", c.timeout)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	c.cmd = cmd
	c.done = make(chan struct{})
	go c.supervise(cmd)
	return nil
}

func (c *Command) supervise(cmd *exec.Cmd) {
	timeoutTimer := time.NewTimer(c.timeout)
	defer timeoutTimer.Stop()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	timedOut := false
	select {
	case <-timeoutTimer.C:
		timedOut = true
		c.logger.Warn("command timed out, sending SIGTERM", "timeout", c.timeout)
		if e := signalGroup(cmd, syscall.SIGTERM); e != nil {
			c.logger.Error("failed to send SIGTERM", "error", e)
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case err = <-waitErr:
			c.logger.Info("command exited after SIGTERM")
		case <-grace.C:
			c.logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
			if e := signalGroup(cmd, syscall.SIGKILL); e != nil {
				c.logger.Error("failed to send SIGKILL", "error", e)
			}
			err = <-waitErr
		}
	case err = <-waitErr:
	}

	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			code = -1
		}
	}
	if timedOut && code == 0 {
		code = -1
	}

	c.mu.Lock()
	c.exitCode = code
	c.err = err
	c.timedOut = timedOut
	c.mu.Unlock()

	if code != 0 {
		c.logger.Warn("command exited with non-zero status",
			"exit_code", code,
			"stderr", truncate(c.stderr.String(), maxStderrLogBytes))
	} else {
		c.logger.Debug("command finished", "exit_code", code)
	}
	close(c.done)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}

// Status reports the command state without blocking.
func (c *Command) Status() Status {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return StatusNotStarted
	}
	select {
	case <-done:
	default:
		return StatusInProgress
	}
	if c.ExitCode() == 0 {
		return StatusSuccess
	}
	return StatusFailure
}

// Done returns a channel closed when the command exits, or nil when it was
// never started.
func (c *Command) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks until the command exits or ctx is done. It returns nil for a
// zero exit status.
func (c *Command) Wait(ctx context.Context) error {
	done := c.Done()
	if done == nil {
		return ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.timedOut:
		return fmt.Errorf("command timed out after %s: %w", c.timeout, context.DeadlineExceeded)
	case c.exitCode != 0:
		if c.err != nil {
			return fmt.Errorf("command exited with status %d: %w", c.exitCode, c.err)
		}
		return fmt.Errorf("command exited with status %d", c.exitCode)
	}
	return nil
}

// ExitCode returns the exit status, or -1 while not finished.
func (c *Command) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// Stdout returns everything written to stdout so far.
func (c *Command) Stdout() (string, error) {
	if c.Done() == nil {
		return "", ErrNotStarted
	}
	return c.stdout.String(), nil
}

// Stderr returns everything written to stderr so far.
func (c *Command) Stderr() (string, error) {
	if c.Done() == nil {
		return "", ErrNotStarted
	}
	return c.stderr.String(), nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
