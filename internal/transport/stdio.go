package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// stdioStopTimeout is how long a subprocess gets to exit after stdin is
// closed before it is killed.
const stdioStopTimeout = 5 * time.Second

// StdioConn runs an MCP server as a subprocess and exchanges
// newline-delimited messages over its stdin and stdout.
type StdioConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger observability.Logger

	writeMu sync.Mutex
	lines   chan []byte
	readErr error
	done    chan struct{}
	stop    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StartStdio starts the target command.
func StartStdio(ctx context.Context, target Target, logger observability.Logger) (*StdioConn, error) {
	if target.Command == "" {
		return nil, fmt.Errorf("stdio target %s: command is required", target.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	// The process outlives ctx, so it is not bound to it.
	cmd := exec.Command(target.Command, target.Args...) //nolint:gosec // command comes from operator config
	cmd.Env = os.Environ()
	for k, v := range target.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", target.Command, err)
	}

	c := &StdioConn{
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
		lines:  make(chan []byte, 16),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.readLoop(stdout)
	go c.logStderr(stderr)

	logger.Info("stdio upstream started",
		observability.String("command", target.Command),
		observability.Int("pid", cmd.Process.Pid))

	return c, nil
}

func (c *StdioConn) readLoop(stdout io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBufferedBody)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		select {
		case c.lines <- append([]byte(nil), line...):
		case <-c.stop:
			c.readErr = ErrClosed
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.readErr = err
	} else {
		c.readErr = io.EOF
	}
}

func (c *StdioConn) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("stdio upstream stderr", observability.String("line", scanner.Text()))
	}
}

// Send implements Conn. msg is compacted to a single line.
func (c *StdioConn) Send(ctx context.Context, msg []byte) error {
	line, err := compactLine(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to stdio upstream: %w", err)
	}
	return nil
}

// Receive implements Conn.
func (c *StdioConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case line := <-c.lines:
		return line, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line := <-c.lines:
		return line, nil
	case <-c.done:
		// Drain anything read before the pipe closed.
		select {
		case line := <-c.lines:
			return line, nil
		default:
		}
		if errors.Is(c.readErr, io.EOF) {
			return nil, ErrClosed
		}
		return nil, c.readErr
	}
}

// Close closes stdin and waits for the process to exit, killing it after
// a grace period.
func (c *StdioConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		_ = c.stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- c.cmd.Wait() }()

		select {
		case err := <-exited:
			c.closeErr = ignoreExitError(err)
		case <-time.After(stdioStopTimeout):
			_ = c.cmd.Process.Kill()
			<-exited
		}

		c.logger.Info("stdio upstream stopped")
	})
	return c.closeErr
}

func ignoreExitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
