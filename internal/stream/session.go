package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livee/overlay-service/internal/encoder"
	"github.com/livee/overlay-service/internal/frame"
	"github.com/livee/overlay-service/internal/metrics"
	"github.com/livee/overlay-service/internal/portpool"
	"github.com/livee/overlay-service/internal/renderer"
	"github.com/livee/overlay-service/internal/retry"
)

// State is the lifecycle state of a session
type State int

const (
	StateLaunching State = iota
	StateStreaming
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Endpoint is where a downstream consumer reads the encoded stream
type Endpoint struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// SessionConfig holds the timing and sizing parameters of a session
type SessionConfig struct {
	Viewport          renderer.Viewport
	FrameInterval     time.Duration
	DecodeTimeout     time.Duration
	LaunchTimeout     time.Duration
	StopRetries       int
	StopRetryInterval time.Duration
	CloseGrace        time.Duration
}

// DefaultSessionConfig returns the parameters used for unset fields
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Viewport:          renderer.Viewport{Width: 1280, Height: 720, Landscape: true},
		FrameInterval:     10 * time.Millisecond,
		DecodeTimeout:     5 * time.Second,
		LaunchTimeout:     60 * time.Second,
		StopRetries:       10,
		StopRetryInterval: time.Second,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = d.Viewport
	}
	if c.FrameInterval < 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.DecodeTimeout <= 0 {
		c.DecodeTimeout = d.DecodeTimeout
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = d.LaunchTimeout
	}
	if c.StopRetries < 0 {
		c.StopRetries = d.StopRetries
	}
	if c.StopRetryInterval <= 0 {
		c.StopRetryInterval = d.StopRetryInterval
	}
	if c.CloseGrace < 0 {
		c.CloseGrace = 0
	}
	return c
}

// Session owns the renderer page and encoder process of one stream
type Session struct {
	corrID string
	url    string
	config SessionConfig

	launcher renderer.Launcher
	spawner  encoder.Spawner
	ports    *portpool.Pool
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Guarded by mu
	mu          sync.RWMutex
	state       State
	stopping    bool
	endpoint    Endpoint
	port        int
	page        renderer.Page
	proc        encoder.Process
	launchTimer *time.Timer
	startTime   time.Time
	readyTime   time.Time
	lastErr     error

	// Capture loop handshake
	stopped     atomic.Bool
	readyToStop atomic.Bool
	observing   atomic.Bool

	framesWritten atomic.Uint64
	frameErrors   atomic.Uint64

	// stopCtx is cancelled as soon as a stop is requested
	stopCtx    context.Context
	stopCancel context.CancelFunc

	// lifetimeCtx bounds renderer calls of the capture loop
	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc

	startDone chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	exitErr   error
}

func newSession(corrID, url string, config SessionConfig, deps Dependencies, logger *slog.Logger) *Session {
	stopCtx, stopCancel := context.WithCancel(context.Background())
	lifetimeCtx, lifetimeCancel := context.WithCancel(context.Background())

	s := &Session{
		corrID:         corrID,
		url:            url,
		config:         config.withDefaults(),
		launcher:       deps.Launcher,
		spawner:        deps.Spawner,
		ports:          deps.Ports,
		metrics:        deps.Metrics,
		logger:         logger,
		state:          StateLaunching,
		startTime:      time.Now(),
		stopCtx:        stopCtx,
		stopCancel:     stopCancel,
		lifetimeCtx:    lifetimeCtx,
		lifetimeCancel: lifetimeCancel,
		startDone:      make(chan struct{}),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	// Nothing is in flight until the capture loop runs
	s.readyToStop.Store(true)

	return s
}

// CorrID returns the correlation id of the session
func (s *Session) CorrID() string { return s.corrID }

// URL returns the rendered page URL
func (s *Session) URL() string { return s.url }

// Ready is closed once the encoder reported that it recognized its input
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed when the session has exited; Err is valid after that
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the exit error, nil for a clean exit or a running session
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.exitErr
	default:
		return nil
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Endpoint returns the stream endpoint; it is zero until Start succeeded
func (s *Session) Endpoint() Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Start allocates a port, launches the renderer, spawns the encoder and
// starts the capture loop. It returns once everything is running; readiness
// is reported separately on Ready. On failure every acquired resource is
// released and the session exits with the returned error.
func (s *Session) Start(ctx context.Context) (Endpoint, error) {
	endpoint, err := s.start(ctx)
	close(s.startDone)

	if err != nil {
		if s.beginStop(false) {
			_ = s.release(context.Background(), err)
		} else {
			<-s.done
		}
		if exitErr := s.Err(); exitErr != nil {
			return Endpoint{}, exitErr
		}
		return Endpoint{}, err
	}

	return endpoint, nil
}

func (s *Session) start(ctx context.Context) (Endpoint, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// A stop request aborts a launch in progress
	unwatch := context.AfterFunc(s.stopCtx, cancel)
	defer unwatch()

	if s.stopped.Load() {
		return Endpoint{}, context.Canceled
	}

	port, err := s.ports.Acquire()
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to allocate stream port: %w", err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	page, err := s.launcher.Launch(ctx, s.config.Viewport)
	if err != nil {
		return Endpoint{}, &LaunchError{Stage: "launch", Err: err}
	}
	s.mu.Lock()
	s.page = page
	s.mu.Unlock()

	if err := page.Navigate(ctx, s.url); err != nil {
		return Endpoint{}, &LaunchError{Stage: "navigate", Err: err}
	}

	s.mu.Lock()
	s.launchTimer = time.AfterFunc(s.config.LaunchTimeout, s.readinessExpired)
	s.mu.Unlock()

	vp := page.Viewport()
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = s.config.Viewport
	}
	size := encoder.Size{Width: vp.Width, Height: vp.Height}

	proc, err := s.spawner.Spawn(ctx, encoder.Spec{
		Host:   s.ports.Host(),
		Port:   port,
		Input:  size,
		Output: size,
		Logger: s.logger,
	})
	if err != nil {
		return Endpoint{}, encoderError(err)
	}

	endpoint := Endpoint{
		Host:   s.ports.Host(),
		Port:   port,
		Width:  size.Width,
		Height: size.Height,
	}

	s.mu.Lock()
	s.proc = proc
	s.endpoint = endpoint
	s.mu.Unlock()

	s.logger.Info("Session started",
		slog.String("host", endpoint.Host),
		slog.Int("port", endpoint.Port),
		slog.Int("width", endpoint.Width),
		slog.Int("height", endpoint.Height),
		slog.Int("encoder_pid", proc.Pid()),
	)

	s.observing.Store(true)
	go s.watchEncoder(proc)
	go s.captureLoop(page, proc, frame.NewDecoder(size.Width, size.Height, s.config.DecodeTimeout))

	return endpoint, nil
}

// watchEncoder turns encoder readiness and termination into session
// transitions
func (s *Session) watchEncoder(proc encoder.Process) {
	select {
	case <-proc.Ready():
		s.markStreaming()
	case <-proc.Done():
		// Ready and exited before this watcher ran
		if isClosed(proc.Ready()) {
			s.markStreaming()
		}
	case <-s.stopCtx.Done():
		return
	}

	select {
	case <-proc.Done():
	case <-s.stopCtx.Done():
		return
	}

	if !s.observing.Load() {
		return
	}

	outcome := proc.Outcome()
	var cause error
	if err := outcome.Err(); err != nil {
		cause = encoderError(err)
	}

	s.logger.Info("Encoder exited on its own", slog.String("outcome", outcome.String()))

	if s.beginStop(false) {
		_ = s.release(context.Background(), cause)
	}
}

func (s *Session) markStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || s.state != StateLaunching {
		return
	}

	if s.launchTimer != nil {
		s.launchTimer.Stop()
	}
	s.state = StateStreaming
	s.readyTime = time.Now()
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Info("Encoder ready", slog.Duration("startup", s.readyTime.Sub(s.startTime)))
}

func (s *Session) readinessExpired() {
	if !s.beginStop(true) {
		return
	}

	s.logger.Warn("Encoder did not become ready in time",
		slog.Duration("launch_timeout", s.config.LaunchTimeout),
	)
	_ = s.release(context.Background(), ErrReadinessTimeout)
}

func (s *Session) captureLoop(page renderer.Page, proc encoder.Process, decoder *frame.Decoder) {
	defer s.readyToStop.Store(true)

	for !s.stopped.Load() {
		s.readyToStop.Store(false)
		if s.stopped.Load() {
			break
		}

		s.captureFrame(page, proc, decoder)
		s.readyToStop.Store(true)

		if err := retry.Sleep(s.stopCtx, s.config.FrameInterval); err != nil {
			break
		}
	}
}

// captureFrame runs one capture, decode and write iteration. Failures are
// counted and logged; they never end the session.
func (s *Session) captureFrame(page renderer.Page, proc encoder.Process, decoder *frame.Decoder) {
	started := time.Now()

	data, err := page.CaptureFrame(s.lifetimeCtx)
	if err != nil {
		s.frameFailed("capture", err)
		return
	}
	if s.stopped.Load() {
		return
	}

	pixels, err := decoder.Decode(s.lifetimeCtx, data)
	if err != nil {
		s.frameFailed("decode", err)
		return
	}
	if s.stopped.Load() {
		return
	}

	// Blocks while the encoder input is backed up, until it drains or a
	// stop is requested.
	if err := proc.Write(s.stopCtx, pixels); err != nil {
		if s.stopped.Load() {
			return
		}
		s.frameFailed("write", err)
		return
	}

	s.framesWritten.Add(1)
	s.metrics.RecordFrameWritten(time.Since(started).Seconds())
}

func (s *Session) frameFailed(stage string, err error) {
	if s.stopped.Load() {
		return
	}

	s.frameErrors.Add(1)
	s.metrics.RecordFrameError(stage)
	s.logger.Warn("Frame iteration failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// Stop stops the capture loop, waits for the in-flight iteration within the
// stop budget and releases the renderer, encoder and port. Calls after the
// first wait for that teardown and return nil.
func (s *Session) Stop(ctx context.Context) error {
	if !s.beginStop(false) {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.logger.Info("Stopping session")
	return s.release(ctx, nil)
}

// beginStop claims the teardown. With onlyWhileLaunching it succeeds only
// before readiness.
func (s *Session) beginStop(onlyWhileLaunching bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}
	if onlyWhileLaunching && s.state != StateLaunching {
		return false
	}

	s.stopping = true
	s.state = StateStopping
	if s.launchTimer != nil {
		s.launchTimer.Stop()
	}

	return true
}

// release runs the stop protocol for the goroutine that won beginStop and
// fires the exit signal with cause joined with any teardown failure. It
// returns the teardown failure only.
func (s *Session) release(ctx context.Context, cause error) error {
	s.observing.Store(false)
	s.stopped.Store(true)
	s.stopCancel()

	// Resources acquired by Start are only known once it returned
	<-s.startDone

	drained := retry.Poll(ctx, s.config.StopRetries, retry.Constant(s.config.StopRetryInterval), s.readyToStop.Load)
	if !drained {
		s.metrics.RecordForcedTeardown()
		s.logger.Warn("Capture iteration still in flight, tearing down anyway",
			slog.Int("retries", s.config.StopRetries),
			slog.Duration("retry_interval", s.config.StopRetryInterval),
		)
	}

	var teardownErr error
	if err := s.teardown(ctx); err != nil {
		teardownErr = &TeardownError{Err: err}
		s.logger.Error("Session teardown failed", slog.String("error", err.Error()))
	}
	s.lifetimeCancel()

	exitErr := cause
	switch {
	case teardownErr == nil:
	case cause == nil:
		exitErr = teardownErr
	default:
		exitErr = errors.Join(cause, teardownErr)
	}
	s.finish(exitErr)

	return teardownErr
}

func (s *Session) teardown(ctx context.Context) error {
	s.mu.Lock()
	page, proc, port := s.page, s.proc, s.port
	s.page, s.proc, s.port = nil, nil, 0
	s.mu.Unlock()

	var errs []error

	if page != nil {
		if s.config.CloseGrace > 0 {
			_ = retry.Sleep(ctx, s.config.CloseGrace)
		}
		if err := page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close renderer: %w", err))
		}
	}

	if proc != nil {
		if err := proc.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate encoder: %w", err))
		}
	}

	if port != 0 {
		s.ports.Release(port)
	}

	return errors.Join(errs...)
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.exitErr = err
		if err != nil {
			s.state = StateFailed
			s.lastErr = err
		} else {
			s.state = StateStopped
		}
		s.mu.Unlock()

		close(s.done)
	})
}

// Info returns a monitoring snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		CorrID:        s.corrID,
		URL:           s.url,
		State:         s.state.String(),
		Host:          s.endpoint.Host,
		Port:          s.endpoint.Port,
		Width:         s.endpoint.Width,
		Height:        s.endpoint.Height,
		StartTime:     s.startTime,
		Uptime:        time.Since(s.startTime),
		FramesWritten: s.framesWritten.Load(),
		FrameErrors:   s.frameErrors.Load(),
	}
	if !s.readyTime.IsZero() {
		readyTime := s.readyTime
		info.ReadyTime = &readyTime
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}

	return info
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	CorrID        string        `json:"corrId"`
	URL           string        `json:"url"`
	State         string        `json:"state"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	StartTime     time.Time     `json:"startTime"`
	ReadyTime     *time.Time    `json:"readyTime,omitempty"`
	Uptime        time.Duration `json:"uptime"`
	FramesWritten uint64        `json:"framesWritten"`
	FrameErrors   uint64        `json:"frameErrors"`
	LastError     string        `json:"lastError,omitempty"`
}
