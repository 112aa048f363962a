package imagehash

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int, invert bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / w)
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: uint8(y * 255 / h), B: v, A: 255})
		}
	}
	return img
}

func encode(t *testing.T, img image.Image) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &buf
}

func TestComputeStableAcrossScale(t *testing.T) {
	small, err := Compute(encode(t, gradient(64, 64, false)), 0)
	require.NoError(t, err)
	large, err := Compute(encode(t, gradient(256, 256, false)), 0)
	require.NoError(t, err)

	assert.Len(t, small, 16)
	assert.True(t, Similar(small, large, 6), "%s vs %s", small, large)
}

func TestComputeDistinguishesImages(t *testing.T) {
	a, err := Compute(encode(t, gradient(64, 64, false)), 0)
	require.NoError(t, err)
	b, err := Compute(encode(t, gradient(64, 64, true)), 0)
	require.NoError(t, err)

	distance, ok := Distance(a, b)
	require.True(t, ok)
	assert.Greater(t, distance, 6)
	assert.False(t, Similar(a, b, 6))
}

func TestSimilarFallsBackToEquality(t *testing.T) {
	assert.True(t, Similar("file.png:1024:image/png", "file.png:1024:image/png", 6))
	assert.False(t, Similar("file.png:1024:image/png", "other.png:1024:image/png", 6))
	assert.False(t, Similar("", "", 6))
}

func TestComputeRejectsGarbage(t *testing.T) {
	_, err := Compute(bytes.NewBufferString("not an image"), 0)
	assert.Error(t, err)
}
