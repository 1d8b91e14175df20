package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport carries newline-delimited JSON lines to and from the engine.
// Send writes one line (the trailing newline is added if missing). Receive
// blocks until the next complete line, and returns an error once the peer is
// gone.
type Transport interface {
	Send(ctx context.Context, line []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// ProcessSpec describes the engine child process.
type ProcessSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Logger  *slog.Logger
}

// StdioTransport runs the engine as a child process and frames its stdio.
type StdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	lines      chan []byte
	stderrDone chan struct{}
	done       chan struct{}
	closing    chan struct{}
	err        error // set before done is closed

	mu     sync.Mutex
	closed bool
}

// NewStdioTransport starts the process and connects to its stdio.
func NewStdioTransport(spec ProcessSpec) (*StdioTransport, error) {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir

	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
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
		return nil, fmt.Errorf("start command %q: %w", spec.Command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		lines:      make(chan []byte, 64),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
	}

	go func() {
		defer close(t.stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("engine stderr", "command", spec.Command, "msg", scanner.Text())
		}
	}()
	go t.readLoop(bufio.NewReader(stdout))

	return t, nil
}

// readLoop is the only reader of stdout. ReadBytes reassembles lines longer
// than the bufio buffer, so there is no line length limit.
func (t *StdioTransport) readLoop(r *bufio.Reader) {
	var readErr error
	for readErr == nil {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// A final unterminated line is incomplete and is not delivered.
			readErr = err
			break
		}
		select {
		case t.lines <- line:
		case <-t.closing:
			readErr = ErrTransportClosed
		}
	}
	// Wait closes the pipes, so stderr must be drained first. After Close the
	// child is killed and its remaining output is not needed.
	select {
	case <-t.stderrDone:
	case <-t.closing:
	}
	if waitErr := t.cmd.Wait(); waitErr != nil && !errors.Is(readErr, ErrTransportClosed) {
		readErr = fmt.Errorf("engine exited: %w", waitErr)
	} else if errors.Is(readErr, io.EOF) {
		readErr = fmt.Errorf("engine exited: %w", io.EOF)
	}
	t.err = readErr
	close(t.done)
}

// Send writes one line to the child's stdin.
func (t *StdioTransport) Send(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if _, err := t.stdin.Write(line); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive returns the next line read from the child's stdout.
func (t *StdioTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case line := <-t.lines:
		return line, nil
	case <-t.done:
		// Drain anything the reader queued before exiting.
		select {
		case line := <-t.lines:
			return line, nil
		default:
		}
		return nil, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the child process has exited and stdout is drained.
func (t *StdioTransport) Done() <-chan struct{} { return t.done }

// PID returns the child's process id.
func (t *StdioTransport) PID() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close kills the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	t.mu.Unlock()

	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}
