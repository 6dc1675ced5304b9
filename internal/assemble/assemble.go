// Package assemble turns a panorama's fetched tiles into one image. This is
// the CPU-heavy stage (decode + composite of up to 512 tiles), so it runs on
// a fixed worker pool decoupled from the network fetching.
package assemble

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	// Tile bodies are sniffed by image.Decode; the provider serves JPEG
	// today but has shipped other formats from its CDN before.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"pano-downloader/internal/classify"
	"pano-downloader/internal/common"
	"pano-downloader/internal/layout"
)

// DecodeError marks tile bytes that downloaded fine but would not decode.
// Not retried: the transfer already succeeded, the content is just corrupt.
type DecodeError struct {
	Coord common.TileCoordinate
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode tile (%d,%d): %v", e.Coord.X, e.Coord.Y, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RawTile is one tile as delivered by the fetch stage: bytes, a provider
// black-placeholder marker, or a terminal fetch error.
type RawTile struct {
	Coord common.TileCoordinate
	Bytes []byte
	Black bool
	Err   error
}

// Job is everything needed to assemble one panorama.
type Job struct {
	PanoID      string
	Zoom        int
	Provisional layout.Spec
	Tiles       []RawTile
}

// Config tunes assembly behavior.
type Config struct {
	// FailureRatioThreshold is the invalid-tile fraction above which no
	// image is produced and the panorama reports failed.
	FailureRatioThreshold float64

	// CropBlackMargin crops the declared legacy bottom margin at zoom 0-2.
	// When disabled the canvas keeps the full modern dimensions.
	CropBlackMargin bool
}

// Assembler composes validated tiles into panorama images.
type Assembler struct {
	cfg        Config
	classifier *classify.Classifier
}

func New(cfg Config, classifier *classify.Classifier) *Assembler {
	if classifier == nil {
		classifier = classify.New(classify.DefaultThresholds())
	}
	return &Assembler{cfg: cfg, classifier: classifier}
}

// decoded pairs a coordinate with its decoded pixels.
type decoded struct {
	coord common.TileCoordinate
	img   image.Image
}

// Assemble classifies the job's tiles, infers the panorama vintage, narrows
// the layout, and stitches the final canvas. It always returns a result
// object; irrecoverable panoramas come back as StatusFailed, never as an
// error that could abort the run.
func (a *Assembler) Assemble(job Job) *common.PanoramaResult {
	result := &common.PanoramaResult{
		PanoID: job.PanoID,
		Zoom:   job.Zoom,
	}

	outcomes := make(map[common.TileCoordinate]common.TileOutcome, len(job.Tiles))
	var tiles []decoded

	for _, raw := range job.Tiles {
		switch {
		case raw.Err != nil:
			outcomes[raw.Coord] = common.TileOutcome{Coord: raw.Coord, State: common.TileFetchFailed, Err: raw.Err}

		case raw.Black:
			outcomes[raw.Coord] = common.TileOutcome{Coord: raw.Coord, State: common.TileBlack}

		default:
			img, _, err := image.Decode(bytes.NewReader(raw.Bytes))
			if err != nil {
				derr := &DecodeError{Coord: raw.Coord, Err: err}
				outcomes[raw.Coord] = common.TileOutcome{Coord: raw.Coord, State: common.TileFetchFailed, Err: derr}
				continue
			}
			if a.classifier.IsBlackTile(img) {
				outcomes[raw.Coord] = common.TileOutcome{Coord: raw.Coord, State: common.TileBlack}
				continue
			}
			outcomes[raw.Coord] = common.TileOutcome{Coord: raw.Coord, State: common.TileFetched, Image: img}
			tiles = append(tiles, decoded{coord: raw.Coord, img: img})
		}
	}

	result.Vintage = a.classifyVintage(job, tiles)

	spec, err := layout.Resolve(job.Zoom, result.Vintage)
	if err != nil {
		// Zoom was validated before any fetch; reaching this means a
		// programming error upstream, reported as a failed panorama.
		result.Status = common.StatusFailed
		result.Err = err
		return result
	}

	// Count outcomes inside the narrowed grid only. For legacy panoramas at
	// zoom 3-5 the extra provisional columns and rows are expected margin,
	// not failures.
	for coord, outcome := range outcomes {
		if coord.X >= spec.XTiles || coord.Y >= spec.YTiles {
			continue
		}
		switch outcome.State {
		case common.TileFetched:
			result.TilesFetched++
		case common.TileBlack:
			result.TilesBlack++
		case common.TileFetchFailed:
			result.TilesFailed++
		}
	}

	required := spec.XTiles * spec.YTiles
	invalid := result.TilesBlack + result.TilesFailed
	ratio := float64(invalid) / float64(required)

	if ratio > a.cfg.FailureRatioThreshold {
		result.Status = common.StatusFailed
		result.Err = fmt.Errorf("%d of %d tiles unusable (ratio %.2f exceeds threshold %.2f)",
			invalid, required, ratio, a.cfg.FailureRatioThreshold)
		return result
	}

	width, height := a.canvasSize(spec)
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))

	for _, tile := range tiles {
		if tile.coord.X >= spec.XTiles || tile.coord.Y >= spec.YTiles {
			continue
		}
		xOff := tile.coord.X * common.TileSize
		yOff := tile.coord.Y * common.TileSize
		// Edge tiles extend past the declared dimensions; draw clips them
		// against the canvas bounds, which is exactly the margin crop.
		dest := image.Rect(xOff, yOff, xOff+common.TileSize, yOff+common.TileSize)
		draw.Draw(canvas, dest, tile.img, tile.img.Bounds().Min, draw.Src)
	}

	result.Image = canvas
	result.Width = width
	result.Height = height
	if invalid == 0 {
		result.Status = common.StatusSuccess
	} else {
		result.Status = common.StatusPartial
	}
	return result
}

// canvasSize picks the final image dimensions. Zoom 0-2 legacy margins are
// only cropped when configured; the narrowed dimensions at zoom 3-5 always
// apply because the dropped columns carry no imagery at all.
func (a *Assembler) canvasSize(spec layout.Spec) (int, int) {
	if spec.Zoom <= 2 && spec.Vintage == common.VintageLegacy && !a.cfg.CropBlackMargin {
		modern, _ := layout.Resolve(spec.Zoom, common.VintageModern)
		return modern.Width, modern.Height
	}
	return spec.Width, spec.Height
}

// classifyVintage builds the grid sample and runs the vintage heuristic.
func (a *Assembler) classifyVintage(job Job, tiles []decoded) common.VintageClass {
	bottomY := job.Provisional.YTiles - 1
	bottomRow := make([]image.Image, job.Provisional.XTiles)

	colsSeen := make(map[int]bool)
	rowsSeen := make(map[int]bool)

	for _, tile := range tiles {
		if tile.coord.Y == bottomY && tile.coord.X < len(bottomRow) {
			bottomRow[tile.coord.X] = tile.img
		}
		colsSeen[tile.coord.X] = true
		rowsSeen[tile.coord.Y] = true
	}

	return a.classifier.Vintage(job.Zoom, classify.GridSample{
		BottomRow:    bottomRow,
		NonBlackCols: len(colsSeen),
		NonBlackRows: len(rowsSeen),
	})
}
