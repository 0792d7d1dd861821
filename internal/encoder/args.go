package encoder

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Size is a frame size in pixels
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Config holds the fixed encoder contract shared by all sessions
type Config struct {
	Binary            string
	FrameRate         int
	InputPixelFormat  string
	OutputPixelFormat string
	ReadyMarker       string
	KillTimeout       time.Duration
}

// DefaultConfig returns the ffmpeg contract used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Binary:            "ffmpeg",
		FrameRate:         30,
		InputPixelFormat:  "rgba",
		OutputPixelFormat: "yuva420p",
		ReadyMarker:       " rawvideo",
		KillTimeout:       5 * time.Second,
	}
}

// Spec describes one encoder instance
type Spec struct {
	Host   string
	Port   int
	Input  Size
	Output Size

	// Logger receives every diagnostic line at debug level. Nil falls back
	// to the spawner's logger.
	Logger *slog.Logger
}

// Address is the TCP listener URL the encoder writes its output to
func (s Spec) Address() string {
	return fmt.Sprintf("tcp://%s?listen=1", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
}

// Args builds the encoder command line: raw frames on stdin, raw video on a
// listening TCP socket
func (c Config) Args(spec Spec) []string {
	return []string{
		"-s", spec.Input.String(),
		"-f", "rawvideo",
		"-pix_fmt", c.InputPixelFormat,
		"-i", "-",
		"-f", "rawvideo",
		"-r", strconv.Itoa(c.FrameRate),
		"-s", spec.Output.String(),
		"-pix_fmt", c.OutputPixelFormat,
		spec.Address(),
	}
}
