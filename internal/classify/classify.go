// Package classify implements the pixel heuristics that decide whether a
// tile is the provider's black placeholder and whether a panorama is legacy
// (pre-2017) or modern. The thresholds are tuning values, not guarantees:
// the provider documents none of this, so the bands here are best-effort
// defaults matched against observed imagery, and are exposed for override.
package classify

import (
	"image"

	"pano-downloader/internal/common"
	"pano-downloader/internal/layout"
)

// Thresholds holds the tunable constants for the heuristics.
type Thresholds struct {
	// Luminance is the per-channel cutoff (0-255) below which a pixel
	// counts as black.
	Luminance uint8

	// BlackTileFraction is the black-pixel fraction at or above which a
	// whole tile is judged to be placeholder content.
	BlackTileFraction float64

	// ZoomZeroLegacyBand is the black fraction above which a zoom-0 tile
	// indicates a legacy panorama. Modern zoom-0 tiles sit near 0.50
	// (256 of 512 rows black), legacy near 0.59.
	ZoomZeroLegacyBand float64

	// BottomRows is how many bottom pixel rows must be fully black for a
	// tile to count as having a legacy bottom margin (zoom 1-2).
	BottomRows int
}

// DefaultThresholds returns the tuned defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Luminance:          10,
		BlackTileFraction:  0.90,
		ZoomZeroLegacyBand: 0.55,
		BottomRows:         5,
	}
}

// Classifier applies the heuristics. All methods are pure functions of their
// inputs; classifying the same pixels twice yields the same answer.
type Classifier struct {
	t Thresholds
}

// New returns a classifier for the given thresholds. Unset fields fall back
// to their defaults individually, so callers can override a single knob.
func New(t Thresholds) *Classifier {
	d := DefaultThresholds()
	if t.Luminance == 0 {
		t.Luminance = d.Luminance
	}
	if t.BlackTileFraction == 0 {
		t.BlackTileFraction = d.BlackTileFraction
	}
	if t.ZoomZeroLegacyBand == 0 {
		t.ZoomZeroLegacyBand = d.ZoomZeroLegacyBand
	}
	if t.BottomRows <= 0 {
		t.BottomRows = d.BottomRows
	}
	return &Classifier{t: t}
}

// isBlackAt reports whether the pixel at (x, y) is at or below the
// luminance cutoff on every channel. RGBA returns 16-bit values.
func (c *Classifier) isBlackAt(img image.Image, x, y int) bool {
	cutoff := uint32(c.t.Luminance) * 257
	r, g, b, _ := img.At(x, y).RGBA()
	return r <= cutoff && g <= cutoff && b <= cutoff
}

// BlackFraction returns the fraction of pixels in img that are black.
func (c *Classifier) BlackFraction(img image.Image) float64 {
	bounds := img.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return 0
	}

	black := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if c.isBlackAt(img, x, y) {
				black++
			}
		}
	}
	return float64(black) / float64(total)
}

// IsBlackTile reports whether a decoded tile is placeholder content.
func (c *Classifier) IsBlackTile(img image.Image) bool {
	return c.BlackFraction(img) >= c.t.BlackTileFraction
}

// HasBlackBottom reports whether the bottom rows of a tile are entirely
// black. Legacy panoramas at zoom 1-2 end in a black band inside the bottom
// tile row; modern ones fill it with imagery.
func (c *Classifier) HasBlackBottom(img image.Image) bool {
	bounds := img.Bounds()
	rows := c.t.BottomRows
	if bounds.Dy() < rows {
		rows = bounds.Dy()
	}

	for y := bounds.Max.Y - rows; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if !c.isBlackAt(img, x, y) {
				return false
			}
		}
	}
	return true
}

// GridSample carries the observations the vintage heuristic needs: the
// decoded bottom-row tiles of the provisional fetch, plus the count of
// distinct columns and rows that produced non-black imagery.
type GridSample struct {
	BottomRow    []image.Image
	NonBlackCols int
	NonBlackRows int
}

// Vintage infers the panorama vintage for a zoom level from a grid sample.
// Runs at most once per panorama; the result is never re-derived. Ties and
// out-of-band observations default to modern.
//
// Zoom 0: the single tile's black-margin proportion separates the eras.
// Zoom 1-2: a legacy panorama's bottom tile row ends in a black band.
// Zoom 3-5: a legacy panorama leaves the extra provisional columns and rows
// fully black, so the non-black counts match the smaller legacy grid.
func (c *Classifier) Vintage(zoom int, sample GridSample) common.VintageClass {
	switch {
	case zoom == 0:
		if len(sample.BottomRow) == 0 || sample.BottomRow[0] == nil {
			return common.VintageModern
		}
		if c.BlackFraction(sample.BottomRow[0]) > c.t.ZoomZeroLegacyBand {
			return common.VintageLegacy
		}
		return common.VintageModern

	case zoom <= 2:
		for _, tile := range sample.BottomRow {
			if tile == nil {
				continue
			}
			if c.HasBlackBottom(tile) {
				return common.VintageLegacy
			}
		}
		return common.VintageModern

	default:
		legacySpec, err := layout.Resolve(zoom, common.VintageLegacy)
		if err != nil {
			return common.VintageModern
		}
		if sample.NonBlackCols > 0 && sample.NonBlackCols <= legacySpec.XTiles &&
			sample.NonBlackRows > 0 && sample.NonBlackRows <= legacySpec.YTiles {
			return common.VintageLegacy
		}
		return common.VintageModern
	}
}
