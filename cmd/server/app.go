package main

import (
	"log/slog"
	"sync/atomic"
)

// Application lifecycle states reported by /health
const (
	statusInitialized = "initialized"
	statusStarting    = "starting"
	statusStarted     = "started"
	statusStopping    = "stopping"
	statusStopped     = "stopped"
)

type application struct {
	status atomic.Value
	logger *slog.Logger
}

func newApplication(logger *slog.Logger) *application {
	app := &application{logger: logger}
	app.status.Store(statusInitialized)
	return app
}

// Status returns the current lifecycle state
func (a *application) Status() string {
	return a.status.Load().(string)
}

func (a *application) setStatus(status string) {
	previous := a.status.Swap(status).(string)
	if previous != status {
		a.logger.Debug("Application status changed",
			slog.String("from", previous),
			slog.String("to", status),
		)
	}
}
