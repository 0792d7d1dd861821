package frame

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeSameSize(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for i := range src.Pix {
		src.Pix[i] = byte(i * 3)
	}

	dec := NewDecoder(4, 2, time.Second)
	pixels, err := dec.Decode(context.Background(), encodePNG(t, src))
	require.NoError(t, err)

	assert.Equal(t, dec.FrameSize(), len(pixels))
	assert.Equal(t, src.Pix, pixels)
}

func TestDecodeOpaqueImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 10, B: 50, A: 255})
		}
	}

	dec := NewDecoder(3, 3, time.Second)
	pixels, err := dec.Decode(context.Background(), encodePNG(t, src))
	require.NoError(t, err)

	require.Len(t, pixels, 3*3*BytesPerPixel)
	assert.Equal(t, []byte{200, 10, 50, 255}, pixels[:4])
}

func TestDecodeRescales(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	for i := range src.Pix {
		src.Pix[i] = 255
	}

	dec := NewDecoder(4, 2, time.Second)
	pixels, err := dec.Decode(context.Background(), encodePNG(t, src))
	require.NoError(t, err)

	assert.Len(t, pixels, 4*2*BytesPerPixel)
	for _, b := range pixels {
		assert.Equal(t, byte(255), b)
	}
}

func TestDecodeInvalidData(t *testing.T) {
	dec := NewDecoder(4, 2, time.Second)

	_, err := dec.Decode(context.Background(), []byte("not a png"))
	assert.Error(t, err)

	_, err = dec.Decode(context.Background(), nil)
	assert.Error(t, err)
}

func TestDecodeTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	dec := NewDecoder(4, 2, 20*time.Millisecond)
	dec.decode = func(io.Reader) (image.Image, error) {
		<-release
		return image.NewNRGBA(image.Rect(0, 0, 4, 2)), nil
	}

	start := time.Now()
	_, err := dec.Decode(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ErrDecodeTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDecodeCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	dec := NewDecoder(4, 2, time.Minute)
	dec.decode = func(io.Reader) (image.Image, error) {
		<-release
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dec.Decode(ctx, []byte{1})
	assert.ErrorIs(t, err, context.Canceled)
}
