package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Browser      BrowserConfig      `yaml:"browser"`
	Encoder      EncoderConfig      `yaml:"encoder"`
	Capture      CaptureConfig      `yaml:"capture"`
	Ports        PortsConfig        `yaml:"ports"`
	Stop         StopConfig         `yaml:"stop"`
	Notification NotificationConfig `yaml:"notification"`
}

// ServerConfig contains HTTP control surface configuration
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// BrowserConfig contains headless browser configuration
type BrowserConfig struct {
	Bin          string `yaml:"bin"` // empty: download or look up Chromium
	Headless     bool   `yaml:"headless"`
	NoSandbox    bool   `yaml:"no_sandbox"`
	Leakless     bool   `yaml:"leakless"`
	CloseGraceMs int    `yaml:"close_grace_ms"`
}

// EncoderConfig contains ffmpeg configuration
type EncoderConfig struct {
	Binary            string `yaml:"binary"`
	FrameRate         int    `yaml:"frame_rate"`
	InputPixelFormat  string `yaml:"input_pixel_format"`
	OutputPixelFormat string `yaml:"output_pixel_format"`
	ReadyMarker       string `yaml:"ready_marker"`
	KillTimeout       int    `yaml:"kill_timeout"` // seconds
}

// CaptureConfig contains frame capture parameters
type CaptureConfig struct {
	Width           int  `yaml:"width"`
	Height          int  `yaml:"height"`
	Landscape       bool `yaml:"landscape"`
	FrameIntervalMs int  `yaml:"frame_interval_ms"`
	DecodeTimeoutMs int  `yaml:"decode_timeout_ms"`
	LaunchTimeout   int  `yaml:"launch_timeout"` // seconds
}

// PortsConfig contains the stream port range
type PortsConfig struct {
	ListenHost string `yaml:"listen_host"`
	Min        int    `yaml:"min"`
	Max        int    `yaml:"max"`
}

// StopConfig contains the stop protocol budget
type StopConfig struct {
	Retries         int `yaml:"retries"`
	RetryIntervalMs int `yaml:"retry_interval_ms"`
}

// NotificationConfig contains stop notification configuration
type NotificationConfig struct {
	Endpoint      string `yaml:"endpoint"` // empty disables notifications
	Timeout       int    `yaml:"timeout"`  // seconds, per attempt
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffStepMs int    `yaml:"backoff_step_ms"`
}

// Default returns the configuration used for keys absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Browser: BrowserConfig{
			Headless: true,
			Leakless: true,
		},
		Encoder: EncoderConfig{
			Binary:            "ffmpeg",
			FrameRate:         30,
			InputPixelFormat:  "rgba",
			OutputPixelFormat: "yuva420p",
			ReadyMarker:       " rawvideo",
			KillTimeout:       5,
		},
		Capture: CaptureConfig{
			Width:           1280,
			Height:          720,
			Landscape:       true,
			FrameIntervalMs: 10,
			DecodeTimeoutMs: 5000,
			LaunchTimeout:   60,
		},
		Ports: PortsConfig{
			ListenHost: "127.0.0.1",
			Min:        10000,
			Max:        20000,
		},
		Stop: StopConfig{
			Retries:         10,
			RetryIntervalMs: 1000,
		},
		Notification: NotificationConfig{
			Timeout:       10,
			MaxAttempts:   10,
			BackoffStepMs: 1000,
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser config: %w", err)
	}

	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Ports.Validate(); err != nil {
		return fmt.Errorf("ports config: %w", err)
	}

	if err := c.Stop.Validate(); err != nil {
		return fmt.Errorf("stop config: %w", err)
	}

	if err := c.Notification.Validate(); err != nil {
		return fmt.Errorf("notification config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Validate validates browser configuration
func (b *BrowserConfig) Validate() error {
	if b.CloseGraceMs < 0 {
		return fmt.Errorf("close_grace_ms cannot be negative, got %d", b.CloseGraceMs)
	}

	return nil
}

// Validate validates encoder configuration
func (e *EncoderConfig) Validate() error {
	if e.Binary == "" {
		return fmt.Errorf("binary cannot be empty")
	}

	if e.FrameRate < 1 || e.FrameRate > 240 {
		return fmt.Errorf("frame_rate must be between 1 and 240, got %d", e.FrameRate)
	}

	if e.InputPixelFormat == "" || e.OutputPixelFormat == "" {
		return fmt.Errorf("pixel formats cannot be empty")
	}

	if e.ReadyMarker == "" {
		return fmt.Errorf("ready_marker cannot be empty")
	}

	if e.KillTimeout < 1 {
		return fmt.Errorf("kill_timeout must be at least 1 second, got %d", e.KillTimeout)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.Width < 16 || c.Width > 7680 {
		return fmt.Errorf("width must be between 16 and 7680, got %d", c.Width)
	}

	if c.Height < 16 || c.Height > 4320 {
		return fmt.Errorf("height must be between 16 and 4320, got %d", c.Height)
	}

	if c.FrameIntervalMs < 0 {
		return fmt.Errorf("frame_interval_ms cannot be negative, got %d", c.FrameIntervalMs)
	}

	if c.DecodeTimeoutMs < 1 {
		return fmt.Errorf("decode_timeout_ms must be positive, got %d", c.DecodeTimeoutMs)
	}

	if c.LaunchTimeout < 1 {
		return fmt.Errorf("launch_timeout must be at least 1 second, got %d", c.LaunchTimeout)
	}

	return nil
}

// Validate validates the port range
func (p *PortsConfig) Validate() error {
	if p.ListenHost == "" {
		return fmt.Errorf("listen_host cannot be empty")
	}

	if p.Min < 1 || p.Min > 65535 {
		return fmt.Errorf("min must be between 1 and 65535, got %d", p.Min)
	}

	if p.Max < 1 || p.Max > 65535 {
		return fmt.Errorf("max must be between 1 and 65535, got %d", p.Max)
	}

	if p.Max < p.Min {
		return fmt.Errorf("max (%d) must not be less than min (%d)", p.Max, p.Min)
	}

	return nil
}

// Validate validates the stop budget
func (s *StopConfig) Validate() error {
	if s.Retries < 0 {
		return fmt.Errorf("retries cannot be negative, got %d", s.Retries)
	}

	if s.RetryIntervalMs < 1 {
		return fmt.Errorf("retry_interval_ms must be positive, got %d", s.RetryIntervalMs)
	}

	return nil
}

// Validate validates notification configuration
func (n *NotificationConfig) Validate() error {
	if n.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", n.Timeout)
	}

	if n.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", n.MaxAttempts)
	}

	if n.BackoffStepMs < 1 {
		return fmt.Errorf("backoff_step_ms must be positive, got %d", n.BackoffStepMs)
	}

	return nil
}

// GetShutdownTimeoutDuration returns the HTTP shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetCloseGraceDuration returns the browser close grace as a time.Duration
func (b *BrowserConfig) GetCloseGraceDuration() time.Duration {
	return time.Duration(b.CloseGraceMs) * time.Millisecond
}

// GetKillTimeoutDuration returns the encoder kill timeout as a time.Duration
func (e *EncoderConfig) GetKillTimeoutDuration() time.Duration {
	return time.Duration(e.KillTimeout) * time.Second
}

// GetFrameIntervalDuration returns the pause between capture iterations
func (c *CaptureConfig) GetFrameIntervalDuration() time.Duration {
	return time.Duration(c.FrameIntervalMs) * time.Millisecond
}

// GetDecodeTimeoutDuration returns the frame decode timeout as a time.Duration
func (c *CaptureConfig) GetDecodeTimeoutDuration() time.Duration {
	return time.Duration(c.DecodeTimeoutMs) * time.Millisecond
}

// GetLaunchTimeoutDuration returns the readiness timeout as a time.Duration
func (c *CaptureConfig) GetLaunchTimeoutDuration() time.Duration {
	return time.Duration(c.LaunchTimeout) * time.Second
}

// GetRetryIntervalDuration returns the stop polling interval as a time.Duration
func (s *StopConfig) GetRetryIntervalDuration() time.Duration {
	return time.Duration(s.RetryIntervalMs) * time.Millisecond
}

// GetTimeoutDuration returns the per-attempt notification timeout
func (n *NotificationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}

// GetBackoffStepDuration returns the notification backoff step
func (n *NotificationConfig) GetBackoffStepDuration() time.Duration {
	return time.Duration(n.BackoffStepMs) * time.Millisecond
}
