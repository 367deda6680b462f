package service

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"log/slog"

	"github.com/Brahmajyot/story-time/internal/ai"
	"github.com/Brahmajyot/story-time/internal/storage"
	"github.com/disintegration/imaging"
)

const (
	// CoverSize is the edge length of rendered covers
	CoverSize = 1024

	// MaxCoverBytes bounds the upload of a single cover
	MaxCoverBytes = 4 << 20

	coverBands = 64
	coverStars = 48
)

// CoverIllustrator renders a night-sky cover for each story and stores it,
// returning its public URL. It implements ai.Illustrator without any
// external image service.
type CoverIllustrator struct {
	storage storage.Storage
	logger  *slog.Logger
}

// NewCoverIllustrator creates a CoverIllustrator.
func NewCoverIllustrator(store storage.Storage, logger *slog.Logger) *CoverIllustrator {
	return &CoverIllustrator{
		storage: store,
		logger:  logger,
	}
}

// Illustrate renders the cover for params.StoryID and uploads it.
func (c *CoverIllustrator) Illustrate(ctx context.Context, params ai.StoryParams) (string, error) {
	key := storage.CoverKey(params.StoryID)

	data, err := RenderCover(params.FavoriteAnimal, params.MoralLesson)
	if err != nil {
		return "", err
	}

	err = c.storage.Put(ctx, key, bytes.NewReader(data), storage.PutOptions{
		ContentType: "image/png",
		MaxSize:     MaxCoverBytes,
		Overwrite:   true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store cover: %w", err)
	}

	url, err := c.storage.URL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to resolve cover url: %w", err)
	}

	c.logger.Debug("Cover rendered",
		"story_id", params.StoryID,
		"key", key,
		"size", len(data),
	)
	return url, nil
}

// RenderCover draws a deterministic PNG for the animal and lesson: a vertical
// gradient sky with a scattering of stars, softened with a light blur.
func RenderCover(animal, lesson string) ([]byte, error) {
	h := fnv.New64a()
	h.Write([]byte(animal))
	h.Write([]byte{0})
	h.Write([]byte(lesson))
	seed := h.Sum64()

	top := paletteColor(seed)
	bottom := paletteColor(seed >> 24)

	img := imaging.New(CoverSize, CoverSize, top)
	bandHeight := CoverSize / coverBands
	for i := 0; i < coverBands; i++ {
		band := imaging.New(CoverSize, bandHeight, mix(top, bottom, float64(i)/float64(coverBands-1)))
		img = imaging.Paste(img, band, image.Pt(0, i*bandHeight))
	}

	// Stars sit in the upper two thirds, positions driven by an LCG over the seed
	star := imaging.New(6, 6, color.NRGBA{R: 255, G: 250, B: 220, A: 255})
	state := seed | 1
	for i := 0; i < coverStars; i++ {
		state = state*6364136223846793005 + 1442695040888963407
		x := int(state>>33) % (CoverSize - 6)
		y := int(state>>13) % (CoverSize * 2 / 3)
		opacity := 0.4 + float64(state%60)/100
		img = imaging.Overlay(img, star, image.Pt(x, y), opacity)
	}

	img = imaging.Blur(img, 1.2)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode cover: %w", err)
	}
	return buf.Bytes(), nil
}

// paletteColor picks a dusk tone from the low bits of v.
func paletteColor(v uint64) color.NRGBA {
	return color.NRGBA{
		R: uint8(20 + v%90),
		G: uint8(20 + (v>>8)%70),
		B: uint8(90 + (v>>16)%140),
		A: 255,
	}
}

func mix(a, b color.NRGBA, t float64) color.NRGBA {
	lerp := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*t)
	}
	return color.NRGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: 255}
}
