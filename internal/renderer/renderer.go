package renderer

import (
	"context"
	"errors"
)

// ErrClosed is returned by page operations after Close
var ErrClosed = errors.New("renderer page closed")

// Viewport is the size of the rendered page in CSS pixels
type Viewport struct {
	Width     int
	Height    int
	Landscape bool
}

// Launcher starts a headless browser context with one page
type Launcher interface {
	Launch(ctx context.Context, viewport Viewport) (Page, error)
}

// Page is one browser page owned by a session
type Page interface {
	// Navigate loads url and waits for the load event
	Navigate(ctx context.Context, url string) error

	// CaptureFrame takes a PNG screenshot of the viewport with the page
	// background omitted
	CaptureFrame(ctx context.Context) ([]byte, error)

	// Viewport returns the viewport the page renders at
	Viewport() Viewport

	// Close shuts down the page and its browser
	Close() error
}
