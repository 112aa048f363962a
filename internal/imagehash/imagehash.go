package imagehash

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/bits"
	"strconv"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	hashWidth  = 9
	hashHeight = 8
)

var ErrEmptyImage = errors.New("image has no pixels")

// Compute returns the 64-bit difference hash of the image read from r, hex encoded.
func Compute(r io.Reader, maxBytes int64) (string, error) {
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes)
	}
	img, _, err := image.Decode(r)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	hash, err := FromImage(img)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", hash), nil
}

func FromImage(img image.Image) (uint64, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return 0, ErrEmptyImage
	}

	small := image.NewGray(image.Rect(0, 0, hashWidth, hashHeight))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, bounds, draw.Src, nil)

	var hash uint64
	for y := 0; y < hashHeight; y++ {
		for x := 0; x < hashWidth-1; x++ {
			hash <<= 1
			if small.GrayAt(x, y).Y > small.GrayAt(x+1, y).Y {
				hash |= 1
			}
		}
	}
	return hash, nil
}

func Distance(a, b string) (int, bool) {
	ha, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, false
	}
	hb, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, false
	}
	return bits.OnesCount64(ha ^ hb), true
}

// Similar compares two hashes; values that are not perceptual hashes only match exactly.
func Similar(a, b string, maxDistance int) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	distance, ok := Distance(a, b)
	if !ok {
		return false
	}
	return distance <= maxDistance
}
