package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livee/overlay-service/internal/encoder"
	"github.com/livee/overlay-service/internal/frame"
)

func newTestSession(t *testing.T, env *testEnv, config SessionConfig) *Session {
	t.Helper()

	return newSession("sess-1", "https://example.com", config, Dependencies{
		Launcher: env.launcher,
		Spawner:  env.spawner,
		Ports:    env.ports,
		Metrics:  env.metrics,
	}, testLogger())
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSessionStartAndStop(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	s := newTestSession(t, env, testSessionConfig())

	assert.Equal(t, StateLaunching, s.State())

	endpoint, err := s.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", endpoint.Host)
	assert.Equal(t, 64, endpoint.Width)
	assert.Equal(t, 36, endpoint.Height)
	assert.Equal(t, endpoint, s.Endpoint())
	assert.Equal(t, 1, env.ports.InUse())

	waitClosed(t, s.Ready(), "readiness")
	assert.Equal(t, StateStreaming, s.State())

	spec := env.spawner.specs[0]
	assert.Equal(t, endpoint.Port, spec.Port)
	assert.Equal(t, encoder.Size{Width: 64, Height: 36}, spec.Input)
	assert.Equal(t, spec.Input, spec.Output)

	proc := env.spawner.lastProc()
	require.Eventually(t, func() bool { return proc.writes.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(64*36*frame.BytesPerPixel), proc.lastFrameLen.Load())

	require.NoError(t, s.Stop(context.Background()))

	waitClosed(t, s.Done(), "exit")
	assert.NoError(t, s.Err())
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, env.launcher.lastPage().closed.Load())
	assert.True(t, proc.terminated.Load())
	assert.Equal(t, 0, env.ports.InUse())

	info := s.Info()
	assert.Equal(t, "stopped", info.State)
	assert.NotNil(t, info.ReadyTime)
	assert.GreaterOrEqual(t, info.FramesWritten, uint64(3))
}

func TestSessionRepeatedStop(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	s := newTestSession(t, env, testSessionConfig())

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	waitClosed(t, s.Ready(), "readiness")

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- s.Stop(context.Background()) }()
	}
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-errs)
	}

	assert.NoError(t, s.Stop(context.Background()), "stop after exit")
	assert.Equal(t, StateStopped, s.State())
}

func TestSessionStopWaitsForInFlightIteration(t *testing.T) {
	config := testSessionConfig()
	config.StopRetries = 50
	config.StopRetryInterval = 10 * time.Millisecond

	env := newTestEnv(t, config)
	gate := make(chan struct{})
	env.launcher.configure = func(p *fakePage) { p.gate = gate }
	env.spawner.readyOnWrite = false
	env.spawner.autoReady = true

	s := newTestSession(t, env, config)
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	waitClosed(t, s.Ready(), "readiness")

	page := env.launcher.lastPage()
	proc := env.spawner.lastProc()
	waitClosed(t, page.captureStarted, "capture")

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	// The capture is still running: nothing may be released yet
	time.Sleep(100 * time.Millisecond)
	assert.False(t, page.closed.Load(), "page closed mid-iteration")
	assert.False(t, proc.terminated.Load(), "encoder terminated mid-iteration")
	assert.Equal(t, StateStopping, s.State())

	close(gate)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the iteration finished")
	}

	assert.True(t, page.closed.Load())
	assert.True(t, proc.terminated.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.ForcedTeardowns))
}

func TestSessionStopForcesTeardownAfterBudget(t *testing.T) {
	config := testSessionConfig()
	config.StopRetries = 5
	config.StopRetryInterval = 20 * time.Millisecond

	env := newTestEnv(t, config)
	env.launcher.configure = func(p *fakePage) { p.gate = make(chan struct{}) }
	env.spawner.readyOnWrite = false
	env.spawner.autoReady = true

	s := newTestSession(t, env, config)
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	waitClosed(t, s.Ready(), "readiness")

	page := env.launcher.lastPage()
	waitClosed(t, page.captureStarted, "capture")

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 5*20*time.Millisecond, "teardown before the budget elapsed")
	assert.True(t, page.closed.Load())
	assert.True(t, env.spawner.lastProc().terminated.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ForcedTeardowns))
}

func TestSessionStopWakesDrainWait(t *testing.T) {
	config := testSessionConfig()
	config.StopRetries = 100
	config.StopRetryInterval = 50 * time.Millisecond

	env := newTestEnv(t, config)
	env.spawner.readyOnWrite = false
	env.spawner.autoReady = true
	env.spawner.configure = func(p *fakeProcess) { p.blockWrites = true }

	s := newTestSession(t, env, config)
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	proc := env.spawner.lastProc()
	waitClosed(t, proc.writeStarted, "blocked write")

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))

	// The first poll sees the loop blocked; the woken loop is quiescent by the next one
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(0), proc.writes.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.ForcedTeardowns))
}

func TestSessionFrameErrorsDoNotEndSession(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	env.launcher.configure = func(p *fakePage) { p.captureErr = errors.New("target crashed") }
	env.spawner.readyOnWrite = false
	env.spawner.autoReady = true

	s := newTestSession(t, env, testSessionConfig())
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	waitClosed(t, s.Ready(), "readiness")

	require.Eventually(t, func() bool { return s.Info().FrameErrors >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())
	assert.GreaterOrEqual(t, testutil.ToFloat64(env.metrics.FrameErrors.WithLabelValues("capture")), 3.0)

	require.NoError(t, s.Stop(context.Background()))
}

func TestSessionLaunchFailure(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	env.launcher.launchErr = errors.New("no chromium")

	s := newTestSession(t, env, testSessionConfig())
	_, err := s.Start(context.Background())
	require.Error(t, err)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "launch", launchErr.Stage)

	waitClosed(t, s.Done(), "exit")
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 0, env.ports.InUse(), "port not released")
	assert.Empty(t, env.spawner.allProcs())
}

func TestSessionNavigateFailure(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	env.launcher.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	s := newTestSession(t, env, testSessionConfig())
	_, err := s.Start(context.Background())

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "navigate", launchErr.Stage)
	assert.True(t, env.launcher.lastPage().closed.Load(), "page not closed")
	assert.Equal(t, 0, env.ports.InUse())
}

func TestSessionSpawnFailure(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	env.spawner.err = &encoder.ExitError{Outcome: encoder.Outcome{Kind: encoder.Errored, Cause: errors.New("exec: not found")}}

	s := newTestSession(t, env, testSessionConfig())
	_, err := s.Start(context.Background())

	var procErr *EncoderProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, encoder.Errored, procErr.Outcome.Kind)
	assert.True(t, env.launcher.lastPage().closed.Load())
	assert.Equal(t, 0, env.ports.InUse())
}

func TestSessionReadinessTimeout(t *testing.T) {
	config := testSessionConfig()
	config.LaunchTimeout = 50 * time.Millisecond

	env := newTestEnv(t, config)
	env.spawner.readyOnWrite = false

	s := newTestSession(t, env, config)
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	waitClosed(t, s.Done(), "exit")
	assert.ErrorIs(t, s.Err(), ErrReadinessTimeout)
	assert.Equal(t, StateFailed, s.State())
	assert.True(t, env.spawner.lastProc().terminated.Load())
	assert.Equal(t, 0, env.ports.InUse())

	select {
	case <-s.Ready():
		t.Fatal("session reported ready after timing out")
	default:
	}
}

func TestSessionEncoderExitClassification(t *testing.T) {
	tests := []struct {
		name    string
		outcome encoder.Outcome
		clean   bool
	}{
		{name: "exit code 0", outcome: encoder.Outcome{Kind: encoder.Exited, Code: 0}, clean: true},
		{name: "exit code 1", outcome: encoder.Outcome{Kind: encoder.Exited, Code: 1}, clean: false},
		{name: "errored", outcome: encoder.Outcome{Kind: encoder.Errored, Cause: errors.New("broken pipe")}, clean: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testSessionConfig())
			s := newTestSession(t, env, testSessionConfig())

			_, err := s.Start(context.Background())
			require.NoError(t, err)
			waitClosed(t, s.Ready(), "readiness")

			env.spawner.lastProc().exit(tt.outcome)
			waitClosed(t, s.Done(), "exit")

			if tt.clean {
				assert.NoError(t, s.Err())
				assert.Equal(t, StateStopped, s.State())
			} else {
				var procErr *EncoderProcessError
				require.ErrorAs(t, s.Err(), &procErr)
				assert.Equal(t, tt.outcome.Kind, procErr.Outcome.Kind)
				assert.Equal(t, StateFailed, s.State())
			}
			assert.True(t, env.launcher.lastPage().closed.Load())
			assert.Equal(t, 0, env.ports.InUse())
		})
	}
}

func TestSessionTeardownError(t *testing.T) {
	env := newTestEnv(t, testSessionConfig())
	env.spawner.configure = func(p *fakeProcess) { p.terminateErr = errors.New("permission denied") }

	s := newTestSession(t, env, testSessionConfig())
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	waitClosed(t, s.Ready(), "readiness")

	err = s.Stop(context.Background())
	var teardownErr *TeardownError
	require.ErrorAs(t, err, &teardownErr)

	waitClosed(t, s.Done(), "exit")
	assert.ErrorAs(t, s.Err(), &teardownErr)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 0, env.ports.InUse(), "port must be released even when teardown fails")
}

func TestSessionCloseGrace(t *testing.T) {
	config := testSessionConfig()
	config.CloseGrace = 80 * time.Millisecond

	env := newTestEnv(t, config)
	s := newTestSession(t, env, config)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	waitClosed(t, s.Ready(), "readiness")

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "launching", StateLaunching.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown(42)", State(42).String())
}
