// SPDX-License-Identifier: MIT
//
// Package media prepares still frames for upload: decode, scale down to
// fit, re-encode as JPEG and hold the upload rate to a frame budget.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // Register PNG decoder

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"wearstream/internal/config"
)

// ErrEmptyFrame is returned for zero-length input.
var ErrEmptyFrame = errors.New("media: empty frame")

// Frame is a prepared JPEG ready for the outbound encoder.
type Frame struct {
	JPEG          []byte
	Width, Height int
	Source        string // decoded input format
}

// Preparer turns arbitrary still images into bounded JPEG frames.
type Preparer struct {
	maxWidth, maxHeight int
	quality             int
}

// NewPreparer builds a Preparer from the media section of the config.
func NewPreparer(cfg config.MediaConfig) *Preparer {
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = config.DefaultJPEGQuality
	}
	return &Preparer{
		maxWidth:  cfg.MaxWidth,
		maxHeight: cfg.MaxHeight,
		quality:   quality,
	}
}

// Prepare decodes data (JPEG, PNG or WebP), scales it to fit the configured
// bounds keeping the aspect ratio, and re-encodes it as JPEG. Frames are
// always re-encoded so the upload quality is uniform.
func (p *Preparer) Prepare(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	b := img.Bounds()
	w, h := fit(b.Dx(), b.Dy(), p.maxWidth, p.maxHeight)
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	return &Frame{JPEG: buf.Bytes(), Width: w, Height: h, Source: format}, nil
}

// fit scales w x h down to fit maxW x maxH. A zero bound is unlimited and
// frames are never scaled up.
func fit(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 && h > maxH {
		scale = min(scale, float64(maxH)/float64(h))
	}
	if scale == 1.0 {
		return w, h
	}
	return max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
}
