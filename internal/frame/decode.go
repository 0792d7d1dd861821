package frame

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"time"

	"golang.org/x/image/draw"
)

// BytesPerPixel of the rgba layout the encoder reads on stdin
const BytesPerPixel = 4

// ErrDecodeTimeout is returned when a frame is not decoded within the
// decoder timeout
var ErrDecodeTimeout = errors.New("timeout for frame decode")

type decodeFunc func(io.Reader) (image.Image, error)

// Decoder converts PNG screenshots into raw, non-premultiplied RGBA pixels
// of a fixed size
type Decoder struct {
	width   int
	height  int
	timeout time.Duration
	decode  decodeFunc
}

// NewDecoder returns a decoder producing width x height frames. A
// non-positive timeout disables the decode deadline.
func NewDecoder(width, height int, timeout time.Duration) *Decoder {
	return &Decoder{
		width:   width,
		height:  height,
		timeout: timeout,
		decode:  png.Decode,
	}
}

// FrameSize is the number of bytes in one decoded frame
func (d *Decoder) FrameSize() int {
	return d.width * d.height * BytesPerPixel
}

type decodeResult struct {
	pixels []byte
	err    error
}

// Decode converts one PNG image. Screenshots whose size differs from the
// decoder size (e.g. a device scale factor above 1) are rescaled.
func (d *Decoder) Decode(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	// Buffered so the decoding goroutine never blocks after a timeout
	done := make(chan decodeResult, 1)
	go func() {
		pixels, err := d.convert(data)
		done <- decodeResult{pixels: pixels, err: err}
	}()

	select {
	case res := <-done:
		return res.pixels, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrDecodeTimeout
		}
		return nil, ctx.Err()
	}
}

func (d *Decoder) convert(data []byte) ([]byte, error) {
	img, err := d.decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode png: %w", err)
	}

	bounds := img.Bounds()
	if nrgba, ok := img.(*image.NRGBA); ok &&
		bounds.Dx() == d.width && bounds.Dy() == d.height &&
		nrgba.Stride == d.width*BytesPerPixel && bounds.Min == (image.Point{}) {
		return nrgba.Pix, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, d.width, d.height))
	if bounds.Dx() == d.width && bounds.Dy() == d.height {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	}

	return dst.Pix, nil
}
