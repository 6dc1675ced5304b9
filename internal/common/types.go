package common

import "image"

// TileSize is the edge length in pixels of every Street View tile.
const TileSize = 512

// VintageClass classifies a panorama by capture era. Legacy panoramas
// (captured 2016 or earlier) use smaller grids and carry larger black
// margins; modern panoramas fill the full tile grid.
type VintageClass int

const (
	// VintageUnknown is the state before classification has run.
	VintageUnknown VintageClass = iota
	VintageLegacy
	VintageModern
)

func (v VintageClass) String() string {
	switch v {
	case VintageLegacy:
		return "legacy"
	case VintageModern:
		return "modern"
	default:
		return "unknown"
	}
}

// TileCoordinate addresses one tile within a panorama grid, 0-indexed.
type TileCoordinate struct {
	X int
	Y int
}

// TileState is the terminal state of a single tile fetch.
type TileState int

const (
	// TileFetched means the tile decoded to real imagery.
	TileFetched TileState = iota

	// TileBlack means the provider returned its empty placeholder for this
	// coordinate, or the decoded pixels were classified as black.
	TileBlack

	// TileFetchFailed means the fetch exhausted its retry budget or the
	// bytes could not be decoded.
	TileFetchFailed
)

// TileOutcome records the terminal result for one tile coordinate.
// Immutable once produced by the fetch/classify stage.
type TileOutcome struct {
	Coord TileCoordinate
	State TileState
	Image image.Image // nil unless State == TileFetched
	Err   error       // nil unless State == TileFetchFailed
}

// PanoramaStatus summarizes one panorama's assembly result.
type PanoramaStatus int

const (
	StatusSuccess PanoramaStatus = iota
	StatusPartial
	StatusFailed
)

func (s PanoramaStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	default:
		return "failed"
	}
}

// PanoramaResult aggregates the outcome of one panorama pipeline. It is
// owned by its pipeline goroutine until handed to the run aggregator and
// never mutated afterwards.
type PanoramaResult struct {
	PanoID  string
	Zoom    int
	Vintage VintageClass
	Status  PanoramaStatus

	// Image is the assembled canvas, nil when Status == StatusFailed.
	Image image.Image

	Width  int
	Height int

	TilesFetched int
	TilesBlack   int
	TilesFailed  int

	// Err carries the reason for StatusFailed (cancellation, failure ratio
	// exceeded). Informational; a failed panorama never aborts the run.
	Err error
}

// RequiredTiles returns the number of tiles the resolved grid demanded.
func (r *PanoramaResult) RequiredTiles() int {
	return r.TilesFetched + r.TilesBlack + r.TilesFailed
}

// RunSummary holds aggregate counts for a whole run.
type RunSummary struct {
	Attempted int
	Succeeded int
	Partial   int
	Failed    int

	TilesFetched int
	TilesBlack   int
	TilesFailed  int

	OutputDir string
	Elapsed   string
}

// Add folds one finalized result into the summary.
func (s *RunSummary) Add(r *PanoramaResult) {
	s.Attempted++
	switch r.Status {
	case StatusSuccess:
		s.Succeeded++
	case StatusPartial:
		s.Partial++
	default:
		s.Failed++
	}
	s.TilesFetched += r.TilesFetched
	s.TilesBlack += r.TilesBlack
	s.TilesFailed += r.TilesFailed
}
