package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/livee/overlay-service/internal/encoder"
	"github.com/livee/overlay-service/internal/metrics"
	"github.com/livee/overlay-service/internal/notify"
	"github.com/livee/overlay-service/internal/portpool"
	"github.com/livee/overlay-service/internal/renderer"
)

// Notifier is told about every session that ended
type Notifier interface {
	NotifyStopped(ctx context.Context, corrID string) error
}

type statsNotifier interface {
	GetStats() notify.ClientStats
}

// Dependencies are the collaborators shared by all sessions of a manager
type Dependencies struct {
	Launcher renderer.Launcher
	Spawner  encoder.Spawner
	Ports    *portpool.Pool

	// Notifier may be nil, in which case stop notifications are skipped
	Notifier Notifier

	// Metrics may be nil, in which case collectors are kept unregistered
	Metrics *metrics.Metrics
}

// Manager manages all active stream sessions keyed by correlation id
type Manager struct {
	sessions map[string]*entry
	closed   bool
	mu       sync.RWMutex

	config SessionConfig
	deps   Dependencies
	logger *slog.Logger

	// Notification delivery outlives the requests that trigger it
	notifyCtx    context.Context
	notifyCancel context.CancelFunc
	notifyWG     sync.WaitGroup
}

type entry struct {
	session  *Session
	exitOnce sync.Once
}

// NewManager creates a new session manager
func NewManager(logger *slog.Logger, config SessionConfig, deps Dependencies) (*Manager, error) {
	if deps.Launcher == nil {
		return nil, fmt.Errorf("renderer launcher is required")
	}
	if deps.Spawner == nil {
		return nil, fmt.Errorf("encoder spawner is required")
	}
	if deps.Ports == nil {
		return nil, fmt.Errorf("port pool is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}

	notifyCtx, notifyCancel := context.WithCancel(context.Background())

	return &Manager{
		sessions:     make(map[string]*entry),
		config:       config.withDefaults(),
		deps:         deps,
		logger:       logger,
		notifyCtx:    notifyCtx,
		notifyCancel: notifyCancel,
	}, nil
}

// Run starts a session rendering url under corrID and returns its stream
// endpoint once the encoder is ready. The id is registered before readiness
// is awaited, so a concurrent Run with the same id fails with
// ErrDuplicateSession.
func (m *Manager) Run(ctx context.Context, url, corrID string) (Endpoint, error) {
	wrap := func(err error) error {
		return &SessionError{Op: "run", CorrID: corrID, URL: url, Err: err}
	}

	if strings.TrimSpace(corrID) == "" {
		return Endpoint{}, wrap(errors.New("correlation id cannot be empty"))
	}
	if strings.TrimSpace(url) == "" {
		return Endpoint{}, wrap(errors.New("url cannot be empty"))
	}

	logger := m.logger.With(slog.String("corr_id", corrID), slog.String("url", url))
	e := &entry{session: newSession(corrID, url, m.config, m.deps, logger)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Endpoint{}, wrap(ErrManagerClosed)
	}
	if _, exists := m.sessions[corrID]; exists {
		m.mu.Unlock()
		m.deps.Metrics.RecordSessionFailed("duplicate")
		logger.Warn("Session already exists")
		return Endpoint{}, wrap(ErrDuplicateSession)
	}
	m.sessions[corrID] = e
	count := len(m.sessions)
	m.mu.Unlock()

	m.deps.Metrics.SetActiveSessions(count)
	logger.Info("Starting session")

	started := time.Now()
	session := e.session

	if _, err := session.Start(ctx); err != nil {
		m.discard(e, "start", err)
		return Endpoint{}, wrap(err)
	}

	select {
	case <-session.Ready():
	case <-session.Done():
		// Ready and then exited right away: still a started session, and
		// supervise reports the exit
		if isClosed(session.Ready()) {
			break
		}
		err := session.Err()
		if err == nil {
			err = ErrExitedBeforeReady
		}
		m.discard(e, "exited", err)
		return Endpoint{}, wrap(err)
	case <-ctx.Done():
		if stopErr := session.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			logger.Warn("Failed to stop abandoned session", slog.String("error", stopErr.Error()))
		}
		m.discard(e, "cancelled", ctx.Err())
		return Endpoint{}, wrap(ctx.Err())
	}

	m.deps.Metrics.RecordSessionStarted(time.Since(started).Seconds())
	go m.supervise(e)

	return session.Endpoint(), nil
}

// Stop stops the session registered under corrID. An unknown id is not an
// error. The caller going away does not interrupt the teardown.
func (m *Manager) Stop(ctx context.Context, corrID string) error {
	m.mu.RLock()
	e, exists := m.sessions[corrID]
	m.mu.RUnlock()

	if !exists {
		m.logger.Debug("Stop requested for unknown session", slog.String("corr_id", corrID))
		return nil
	}

	err := e.session.Stop(context.WithoutCancel(ctx))
	m.handleExit(e)

	if err != nil {
		return &SessionError{Op: "stop", CorrID: corrID, URL: e.session.URL(), Err: err}
	}

	return nil
}

// Shutdown stops every registered session concurrently and waits until all
// of them settled. Failures are logged. Each stop keeps its full retry
// budget whatever ctx says; ctx only bounds the wait for pending stop
// notifications, which are cancelled once it is done.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	m.logger.Info("Stopping all sessions", slog.Int("count", len(entries)))

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			err := e.session.Stop(context.WithoutCancel(ctx))
			m.handleExit(e)
			if err != nil {
				m.logger.Error("Failed to stop session during shutdown",
					slog.String("corr_id", e.session.CorrID()),
					slog.String("error", err.Error()),
				)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("Some sessions did not stop cleanly", slog.String("error", err.Error()))
	}

	delivered := make(chan struct{})
	go func() {
		m.notifyWG.Wait()
		close(delivered)
	}()

	select {
	case <-delivered:
	case <-ctx.Done():
		m.logger.Warn("Cancelling pending stop notifications")
		m.notifyCancel()
		<-delivered
	}
	m.notifyCancel()

	m.logger.Info("All sessions stopped")
}

// supervise handles a spontaneous exit of a ready session
func (m *Manager) supervise(e *entry) {
	<-e.session.Done()
	m.handleExit(e)
}

// handleExit deregisters the session and sends the stop notification. It
// runs once per entry whichever path observes the exit first.
func (m *Manager) handleExit(e *entry) {
	e.exitOnce.Do(func() {
		session := e.session
		count := m.remove(e)
		m.deps.Metrics.SetActiveSessions(count)

		info := session.Info()
		err := session.Err()
		m.deps.Metrics.RecordSessionStopped(err == nil, info.Uptime.Seconds())

		if err != nil {
			m.logger.Error("Session exited with error",
				slog.String("corr_id", session.CorrID()),
				slog.String("url", session.URL()),
				slog.String("error", err.Error()),
			)
		} else {
			m.logger.Info("Session stopped",
				slog.String("corr_id", session.CorrID()),
				slog.Uint64("frames_written", info.FramesWritten),
				slog.Duration("uptime", info.Uptime),
			)
		}

		m.notify(session.CorrID())
	})
}

// discard drops a session that never became ready. No notification is sent.
func (m *Manager) discard(e *entry, reason string, err error) {
	e.exitOnce.Do(func() {
		count := m.remove(e)
		m.deps.Metrics.SetActiveSessions(count)
		m.deps.Metrics.RecordSessionFailed(reason)

		m.logger.Warn("Session failed before becoming ready",
			slog.String("corr_id", e.session.CorrID()),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	})
}

// remove deletes the entry if it is still the one registered for its id and
// returns the number of remaining sessions
func (m *Manager) remove(e *entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := e.session.CorrID()
	if current, ok := m.sessions[id]; ok && current == e {
		delete(m.sessions, id)
	}

	return len(m.sessions)
}

func (m *Manager) notify(corrID string) {
	if m.deps.Notifier == nil {
		m.logger.Debug("No notification endpoint configured, skipping", slog.String("corr_id", corrID))
		return
	}

	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()

		if err := m.deps.Notifier.NotifyStopped(m.notifyCtx, corrID); err != nil {
			m.logger.Error("Stop notification not delivered",
				slog.String("corr_id", corrID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// GetSession returns the session registered under corrID
func (m *Manager) GetSession(corrID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.sessions[corrID]
	if !exists {
		return nil, false
	}
	return e.session, true
}

// SessionInfo returns a snapshot of the session registered under corrID
func (m *Manager) SessionInfo(corrID string) (SessionInfo, bool) {
	session, exists := m.GetSession(corrID)
	if !exists {
		return SessionInfo{}, false
	}
	return session.Info(), true
}

// ActiveCount returns the number of registered sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns information about all registered sessions ordered by
// start time
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, e := range m.sessions {
		infos = append(infos, e.session.Info())
	}
	m.mu.RUnlock()

	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.CorrID, b.CorrID)
	})

	return infos
}

// NotificationStats returns delivery statistics when the notifier keeps them
func (m *Manager) NotificationStats() (notify.ClientStats, bool) {
	if sn, ok := m.deps.Notifier.(statsNotifier); ok {
		return sn.GetStats(), true
	}
	return notify.ClientStats{}, false
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
