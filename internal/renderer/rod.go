package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodConfig controls how the headless browser is started
type RodConfig struct {
	// Bin is the browser executable. Empty lets rod find or download one.
	Bin       string
	Headless  bool
	NoSandbox bool
	Leakless  bool
}

// RodLauncher launches Chromium through the DevTools protocol
type RodLauncher struct {
	config RodConfig
	logger *slog.Logger
}

// NewRodLauncher creates a launcher
func NewRodLauncher(config RodConfig, logger *slog.Logger) *RodLauncher {
	return &RodLauncher{config: config, logger: logger}
}

// Launch starts a browser and opens one page at viewport. ctx bounds the
// launch only; the browser lives until the page is closed
func (l *RodLauncher) Launch(ctx context.Context, viewport Viewport) (Page, error) {
	scope := newLaunchScope(ctx)

	lnch := launcher.New().
		Context(scope.ctx).
		Headless(l.config.Headless).
		NoSandbox(l.config.NoSandbox).
		Leakless(l.config.Leakless)
	if l.config.Bin != "" {
		lnch = lnch.Bin(l.config.Bin)
	}

	controlURL, err := lnch.Launch()
	if err != nil {
		scope.end()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(scope.ctx)
	if err := browser.Connect(); err != nil {
		scope.end()
		lnch.Kill()
		lnch.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	p := &rodPage{
		launcher: lnch,
		browser:  browser,
		viewport: viewport,
		logger:   l.logger,
		cancel:   scope.end,
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	p.page = page

	if err := p.applyViewport(); err != nil {
		p.Close()
		return nil, err
	}

	if err := scope.detach(); err != nil {
		p.Close()
		return nil, err
	}

	l.logger.Debug("Browser launched",
		slog.String("control_url", controlURL),
		slog.Int("width", viewport.Width),
		slog.Int("height", viewport.Height),
	)

	return p, nil
}

// launchScope is the lifetime of one browser. Until detach, cancelling the
// launch context ends it; afterwards only end does
type launchScope struct {
	ctx       context.Context
	end       context.CancelFunc
	launchCtx context.Context
	stopAbort func() bool
}

func newLaunchScope(launchCtx context.Context) *launchScope {
	ctx, cancel := context.WithCancel(context.Background())
	return &launchScope{
		ctx:       ctx,
		end:       cancel,
		launchCtx: launchCtx,
		stopAbort: context.AfterFunc(launchCtx, cancel),
	}
}

// detach releases the browser from the launch context. It fails when the
// launch was cancelled first.
func (s *launchScope) detach() error {
	if !s.stopAbort() {
		return fmt.Errorf("browser launch aborted: %w", context.Cause(s.launchCtx))
	}
	return nil
}

type rodPage struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	viewport Viewport
	logger   *slog.Logger

	// cancel ends the browser lifetime context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (p *rodPage) applyViewport() error {
	orientation := &proto.EmulationScreenOrientation{
		Type:  proto.EmulationScreenOrientationTypePortraitPrimary,
		Angle: 0,
	}
	if p.viewport.Landscape {
		orientation = &proto.EmulationScreenOrientation{
			Type:  proto.EmulationScreenOrientationTypeLandscapePrimary,
			Angle: 90,
		}
	}

	err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             p.viewport.Width,
		Height:            p.viewport.Height,
		DeviceScaleFactor: 1,
		ScreenOrientation: orientation,
	})
	if err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	// Transparent default background, so screenshots omit it
	alpha := 0.0
	err = proto.EmulationSetDefaultBackgroundColorOverride{
		Color: &proto.DOMRGBA{R: 0, G: 0, B: 0, A: &alpha},
	}.Call(p.page)
	if err != nil {
		return fmt.Errorf("failed to clear page background: %w", err)
	}

	return nil
}

func (p *rodPage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	if p.isClosed() {
		return ErrClosed
	}

	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to load %s: %w", url, err)
	}

	return nil
}

func (p *rodPage) CaptureFrame(ctx context.Context) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	data, err := p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}

	return data, nil
}

func (p *rodPage) Viewport() Viewport {
	return p.viewport
}

func (p *rodPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	if p.page != nil {
		if err := p.page.Close(); err != nil {
			p.logger.Debug("Page close failed", slog.String("error", err.Error()))
		}
	}
	if err := p.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
	}

	p.cancel()
	p.launcher.Kill()
	p.launcher.Cleanup()

	return errors.Join(errs...)
}
