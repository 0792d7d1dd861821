package stream

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/livee/overlay-service/internal/encoder"
	"github.com/livee/overlay-service/internal/metrics"
	"github.com/livee/overlay-service/internal/portpool"
	"github.com/livee/overlay-service/internal/renderer"
)

func encodePNG(t testing.TB, width, height int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakePage struct {
	viewport renderer.Viewport
	png      []byte

	navigateErr error
	captureErr  error
	closeErr    error

	// gate, when set, holds every capture until a value is received
	gate           chan struct{}
	captureStarted chan struct{}
	captures       atomic.Int64

	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if p.closed.Load() {
		return renderer.ErrClosed
	}
	return p.navigateErr
}

func (p *fakePage) CaptureFrame(ctx context.Context) ([]byte, error) {
	if p.closed.Load() {
		return nil, renderer.ErrClosed
	}

	p.captures.Add(1)
	select {
	case p.captureStarted <- struct{}{}:
	default:
	}

	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closeCh:
			return nil, renderer.ErrClosed
		}
	}

	if p.captureErr != nil {
		return nil, p.captureErr
	}
	return p.png, nil
}

func (p *fakePage) Viewport() renderer.Viewport { return p.viewport }

func (p *fakePage) Close() error {
	p.closed.Store(true)
	p.closeOnce.Do(func() { close(p.closeCh) })
	return p.closeErr
}

type fakeLauncher struct {
	t testing.TB

	mu          sync.Mutex
	launchErr   error
	navigateErr error
	configure   func(p *fakePage)
	pages       []*fakePage
	pngs        map[renderer.Viewport][]byte
}

func newFakeLauncher(t testing.TB) *fakeLauncher {
	return &fakeLauncher{t: t, pngs: make(map[renderer.Viewport][]byte)}
}

func (l *fakeLauncher) Launch(ctx context.Context, vp renderer.Viewport) (renderer.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.launchErr != nil {
		return nil, l.launchErr
	}

	data, ok := l.pngs[vp]
	if !ok {
		data = encodePNG(l.t, vp.Width, vp.Height)
		l.pngs[vp] = data
	}

	p := &fakePage{
		viewport:       vp,
		png:            data,
		navigateErr:    l.navigateErr,
		captureStarted: make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
	}
	if l.configure != nil {
		l.configure(p)
	}
	l.pages = append(l.pages, p)

	return p, nil
}

func (l *fakeLauncher) pageCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pages)
}

func (l *fakeLauncher) lastPage() *fakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pages) == 0 {
		return nil
	}
	return l.pages[len(l.pages)-1]
}

type fakeProcess struct {
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu      sync.Mutex
	outcome encoder.Outcome

	readyOnWrite bool
	blockWrites  bool
	writeStarted chan struct{}
	terminateErr error

	writes       atomic.Int64
	lastFrameLen atomic.Int64
	terminated   atomic.Bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		writeStarted: make(chan struct{}, 1),
	}
}

func (p *fakeProcess) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *fakeProcess) exit(o encoder.Outcome) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.outcome = o
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Write(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return encoder.ErrExited
	default:
	}

	if p.blockWrites {
		select {
		case p.writeStarted <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return encoder.ErrExited
		}
	}

	p.writes.Add(1)
	p.lastFrameLen.Store(int64(len(frame)))
	if p.readyOnWrite {
		p.markReady()
	}
	return nil
}

func (p *fakeProcess) Ready() <-chan struct{} { return p.ready }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Outcome() encoder.Outcome {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	p.exit(encoder.Outcome{Kind: encoder.Signaled, Signal: syscall.SIGTERM})
	return p.terminateErr
}

func (p *fakeProcess) Pid() int { return 4242 }

type fakeSpawner struct {
	mu           sync.Mutex
	err          error
	autoReady    bool
	readyOnWrite bool
	configure    func(p *fakeProcess)
	procs        []*fakeProcess
	specs        []encoder.Spec
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec encoder.Spec) (encoder.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	p := newFakeProcess()
	p.readyOnWrite = s.readyOnWrite
	if s.configure != nil {
		s.configure(p)
	}
	if s.autoReady {
		p.markReady()
	}

	s.procs = append(s.procs, p)
	s.specs = append(s.specs, spec)

	return p, nil
}

func (s *fakeSpawner) lastProc() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

func (s *fakeSpawner) allProcs() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	ids   []string
	calls chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{calls: make(chan string, 64)}
}

func (n *fakeNotifier) NotifyStopped(ctx context.Context, corrID string) error {
	n.mu.Lock()
	n.ids = append(n.ids, corrID)
	n.mu.Unlock()
	n.calls <- corrID
	return nil
}

func (n *fakeNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

type testEnv struct {
	manager  *Manager
	launcher *fakeLauncher
	spawner  *fakeSpawner
	notifier *fakeNotifier
	ports    *portpool.Pool
	metrics  *metrics.Metrics
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Viewport:          renderer.Viewport{Width: 64, Height: 36, Landscape: true},
		FrameInterval:     time.Millisecond,
		DecodeTimeout:     time.Second,
		LaunchTimeout:     5 * time.Second,
		StopRetries:       10,
		StopRetryInterval: 10 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, config SessionConfig) *testEnv {
	t.Helper()

	ports, err := portpool.NewWithCheck("127.0.0.1", 10000, 20000, func(string, int) bool { return true })
	require.NoError(t, err)

	env := &testEnv{
		launcher: newFakeLauncher(t),
		spawner:  &fakeSpawner{readyOnWrite: true},
		notifier: newFakeNotifier(),
		ports:    ports,
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
	}

	env.manager, err = NewManager(testLogger(), config, Dependencies{
		Launcher: env.launcher,
		Spawner:  env.spawner,
		Ports:    env.ports,
		Notifier: env.notifier,
		Metrics:  env.metrics,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.manager.Shutdown(ctx)
	})

	return env
}

func (env *testEnv) waitNotified(t *testing.T, corrID string) {
	t.Helper()

	select {
	case got := <-env.notifier.calls:
		require.Equal(t, corrID, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no stop notification for %s", corrID)
	}
}
