// Package layout holds the static tile-grid geometry tables for Street View
// panoramas. Geometry depends on both zoom level and panorama vintage; the
// tables here are process-wide constants and Resolve is a pure lookup.
package layout

import (
	"fmt"

	"pano-downloader/internal/common"
)

// MinZoom and MaxZoom bound the supported zoom domain.
const (
	MinZoom = 0
	MaxZoom = 5
)

// Spec describes the resolved grid geometry for one (zoom, vintage) pair.
type Spec struct {
	Zoom    int
	Vintage common.VintageClass

	// XTiles and YTiles are the tile counts along each axis.
	XTiles int
	YTiles int

	// Width and Height are the declared final image dimensions in pixels.
	// For legacy panoramas these are smaller than XTiles*512 x YTiles*512;
	// the difference is black margin to be cropped away.
	Width  int
	Height int
}

// BlackMarginFraction returns the fraction of the full tile-grid height that
// the declared dimensions leave as bottom black margin. The classifier uses
// this value at zoom 0-2, where both vintages share the same grid shape and
// only the margin differs.
func (s Spec) BlackMarginFraction() float64 {
	gridHeight := s.YTiles * common.TileSize
	if gridHeight == 0 {
		return 0
	}
	return float64(gridHeight-s.Height) / float64(gridHeight)
}

// UnsupportedZoomError is returned for zoom levels outside [MinZoom, MaxZoom].
// It is a caller configuration error and aborts a run before any fetching.
type UnsupportedZoomError struct {
	Zoom int
}

func (e *UnsupportedZoomError) Error() string {
	return fmt.Sprintf("unsupported zoom level %d (supported range %d-%d)", e.Zoom, MinZoom, MaxZoom)
}

// modernGrids is the post-2016 tile count per zoom. It is also the
// provisional grid used for the first fetch pass: always the widest, so
// legacy panoramas cost a few extra black tiles rather than a refetch.
var modernGrids = [MaxZoom + 1]struct{ x, y int }{
	{1, 1},
	{2, 1},
	{4, 2},
	{8, 4},
	{16, 8},
	{32, 16},
}

// legacyGrids is the pre-2016 tile count per zoom. At zoom 0-2 the grid
// matches the modern one; only the declared dimensions differ.
var legacyGrids = [MaxZoom + 1]struct{ x, y int }{
	{1, 1},
	{2, 1},
	{4, 2},
	{7, 4},
	{13, 7},
	{26, 13},
}

var modernSizes = [MaxZoom + 1]struct{ w, h int }{
	{512, 256},
	{1024, 512},
	{2048, 1024},
	{4096, 2048},
	{8192, 4096},
	{16384, 8192},
}

var legacySizes = [MaxZoom + 1]struct{ w, h int }{
	{416, 208},
	{832, 416},
	{1664, 832},
	{3328, 1664},
	{6656, 3328},
	{13312, 6656},
}

// Resolve returns the grid geometry for a zoom level and vintage. Pure and
// total over the valid domain; zoom outside [0,5] yields UnsupportedZoomError.
func Resolve(zoom int, vintage common.VintageClass) (Spec, error) {
	if zoom < MinZoom || zoom > MaxZoom {
		return Spec{}, &UnsupportedZoomError{Zoom: zoom}
	}

	spec := Spec{Zoom: zoom, Vintage: vintage}
	if vintage == common.VintageLegacy {
		spec.XTiles, spec.YTiles = legacyGrids[zoom].x, legacyGrids[zoom].y
		spec.Width, spec.Height = legacySizes[zoom].w, legacySizes[zoom].h
	} else {
		spec.XTiles, spec.YTiles = modernGrids[zoom].x, modernGrids[zoom].y
		spec.Width, spec.Height = modernSizes[zoom].w, modernSizes[zoom].h
	}
	return spec, nil
}

// Provisional returns the widest grid for a zoom level, used for the first
// fetch pass before the vintage is known. Same as the modern grid.
func Provisional(zoom int) (Spec, error) {
	return Resolve(zoom, common.VintageModern)
}

// ValidateZoom checks the zoom level without resolving a grid.
func ValidateZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return &UnsupportedZoomError{Zoom: zoom}
	}
	return nil
}
