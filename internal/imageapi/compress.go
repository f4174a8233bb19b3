package imageapi

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"

	"golang.org/x/image/draw"
)

const (
	// DefaultMaxUploadBytes is the recompression target for pictures sent to
	// the analysis service.
	DefaultMaxUploadBytes = 1 << 20
	// maxPictureSide bounds both edges of a recompressed picture.
	maxPictureSide = 1200

	startQuality = 85
	floorQuality = 10
	qualityStep  = 5
)

// ReadCompressed loads the picture at path, recompressing it when it exceeds
// maxBytes: scaled to fit maxPictureSide, flattened onto white, and re-encoded
// as JPEG at stepwise lower quality until it fits. Pictures that already fit
// pass through untouched, as do pictures Go cannot decode; the floor-quality
// encode is used even when it still exceeds the target.
func ReadCompressed(path string, maxBytes int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read picture: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if len(raw) <= maxBytes {
		return raw, nil
	}

	out, err := recompress(raw, maxBytes)
	if err != nil {
		slog.Warn("Picture recompression failed, sending original", "path", path, "error", err)
		return raw, nil
	}
	slog.Debug("Picture recompressed", "path", path, "from", len(raw), "to", len(out))
	return out, nil
}

func recompress(raw []byte, maxBytes int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode picture: %w", err)
	}
	flat := flatten(src)

	var buf bytes.Buffer
	for q := startQuality; q > floorQuality; q -= qualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode picture: %w", err)
		}
		if buf.Len() <= maxBytes {
			return buf.Bytes(), nil
		}
	}
	buf.Reset()
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: floorQuality}); err != nil {
		return nil, fmt.Errorf("encode picture: %w", err)
	}
	slog.Warn("Picture still above target at minimum quality", "bytes", buf.Len(), "target", maxBytes)
	return buf.Bytes(), nil
}

// flatten scales src to fit maxPictureSide and composites it onto a white
// background so transparency survives the JPEG re-encode.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxPictureSide)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// fitWithin shrinks w×h to fit side×side, preserving aspect ratio. Dimensions
// already within bounds are unchanged.
func fitWithin(w, h, side int) (int, int) {
	if w <= side && h <= side {
		return w, h
	}
	scale := float64(side) / float64(w)
	if h > w {
		scale = float64(side) / float64(h)
	}
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
