package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrExited is returned by Write once the process has terminated
	ErrExited = errors.New("encoder process exited")
	// ErrClosed is returned by Write after Terminate was called
	ErrClosed = errors.New("encoder input closed")
)

// Process is a running encoder owned by one session
type Process interface {
	// Write hands one raw frame to the encoder. It blocks while the input
	// pipe is backed up and returns once the frame is accepted, ctx is done,
	// or the process is gone.
	Write(ctx context.Context, frame []byte) error

	// Ready is closed when the diagnostic stream reports the input stream
	// was recognized
	Ready() <-chan struct{}

	// Done is closed when the process has terminated. Outcome is valid
	// after that.
	Done() <-chan struct{}
	Outcome() Outcome

	// Terminate closes the input, asks the process to stop and kills it if
	// it does not exit in time. It returns after the process is gone.
	Terminate() error

	Pid() int
}

// Spawner starts encoder processes
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner runs the configured encoder binary as a subprocess
type ExecSpawner struct {
	config  Config
	logger  *slog.Logger
	command func(name string, args ...string) *exec.Cmd
}

// NewExecSpawner creates a spawner for the given contract
func NewExecSpawner(config Config, logger *slog.Logger) *ExecSpawner {
	defaults := DefaultConfig()
	if config.Binary == "" {
		config.Binary = defaults.Binary
	}
	if config.FrameRate <= 0 {
		config.FrameRate = defaults.FrameRate
	}
	if config.InputPixelFormat == "" {
		config.InputPixelFormat = defaults.InputPixelFormat
	}
	if config.OutputPixelFormat == "" {
		config.OutputPixelFormat = defaults.OutputPixelFormat
	}
	if config.ReadyMarker == "" {
		config.ReadyMarker = defaults.ReadyMarker
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = defaults.KillTimeout
	}

	return &ExecSpawner{
		config:  config,
		logger:  logger,
		command: exec.Command,
	}
}

// Spawn starts one encoder. Failing to start is reported as an *ExitError
// with an Errored outcome.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := spec.Logger
	if logger == nil {
		logger = s.logger
	}

	args := s.config.Args(spec)
	cmd := s.command(s.config.Binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ExitError{Outcome: Outcome{Kind: Errored, Cause: fmt.Errorf("failed to open stdin pipe: %w", err)}}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ExitError{Outcome: Outcome{Kind: Errored, Cause: fmt.Errorf("failed to open stderr pipe: %w", err)}}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ExitError{Outcome: Outcome{Kind: Errored, Cause: fmt.Errorf("failed to start %s: %w", s.config.Binary, err)}}
	}

	logger.Debug("Encoder process started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("args", strings.Join(args, " ")),
	)

	p := &execProcess{
		cmd:         cmd,
		stdin:       stdin,
		frames:      make(chan []byte, 1),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		quit:        make(chan struct{}),
		marker:      s.config.ReadyMarker,
		killTimeout: s.config.KillTimeout,
		logger:      logger,
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		p.scanDiagnostics(stderr)
	}()
	go p.writeLoop()
	go func() {
		// Wait closes the pipes, so all reads must be finished first
		<-scanned
		p.outcome = outcomeOf(cmd.Wait())
		close(p.done)
		logger.Debug("Encoder process terminated",
			slog.Int("pid", cmd.Process.Pid),
			slog.String("outcome", p.outcome.String()),
		)
	}()

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan []byte

	ready     chan struct{}
	readyOnce sync.Once

	done    chan struct{}
	outcome Outcome

	quit     chan struct{}
	quitOnce sync.Once

	marker      string
	killTimeout time.Duration
	logger      *slog.Logger
}

func (p *execProcess) Write(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return ErrExited
	case <-p.quit:
		return ErrClosed
	default:
	}

	select {
	case p.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrExited
	case <-p.quit:
		return ErrClosed
	}
}

func (p *execProcess) Ready() <-chan struct{} { return p.ready }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Outcome() Outcome {
	<-p.done
	return p.outcome
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	p.quitOnce.Do(func() { close(p.quit) })
	_ = p.stdin.Close()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal encoder %d: %w", p.cmd.Process.Pid, err)
	}

	timer := time.NewTimer(p.killTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("Encoder did not exit after SIGTERM, killing",
		slog.Int("pid", p.cmd.Process.Pid),
		slog.Duration("kill_timeout", p.killTimeout),
	)

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill encoder %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.done

	return nil
}

// writeLoop moves frames from the bounded queue to the input pipe. A slow
// encoder blocks the pipe write, the queue fills, and Write blocks: that is
// the backpressure seen by the capture loop.
func (p *execProcess) writeLoop() {
	for {
		select {
		case frame := <-p.frames:
			if _, err := p.stdin.Write(frame); err != nil {
				p.logger.Debug("Encoder input write failed",
					slog.Int("pid", p.cmd.Process.Pid),
					slog.String("error", err.Error()),
				)
			}
		case <-p.quit:
			return
		case <-p.done:
			return
		}
	}
}

func (p *execProcess) scanDiagnostics(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLines)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		p.logger.Debug("[encoder] output", slog.String("line", line))

		if strings.Contains(line, p.marker) {
			p.readyOnce.Do(func() { close(p.ready) })
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Debug("Encoder diagnostic stream read failed", slog.String("error", err.Error()))
	}

	// Keep draining so the process never blocks on a full stderr pipe
	_, _ = io.Copy(io.Discard, r)
}

// scanLines splits on '\n' or '\r'; ffmpeg rewrites its progress line with
// carriage returns
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
