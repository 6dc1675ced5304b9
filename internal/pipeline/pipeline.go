// Package pipeline drives the whole retrieval-and-assembly run: it admits a
// bounded number of per-panorama pipelines, fans each one out into bounded
// concurrent tile fetches, joins the outcomes, hands assembly to the CPU
// worker pool, and aggregates results into a run summary. Tile and panorama
// failures are absorbed into results; only configuration errors or external
// cancellation stop a run.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"pano-downloader/internal/assemble"
	"pano-downloader/internal/common"
	"pano-downloader/internal/config"
	"pano-downloader/internal/layout"
	"pano-downloader/internal/streetview"
)

// Fetcher is the tile source. The production implementation is
// *streetview.Client; tests substitute instrumented fakes.
type Fetcher interface {
	Fetch(ctx context.Context, panoID string, zoom int, coord common.TileCoordinate) (streetview.TileData, error)
}

// Runner orchestrates one run. The connection pools live inside the Fetcher
// and the CPU bound inside the assemble.Pool; the Runner adds the third
// bound, panorama admission.
type Runner struct {
	cfg     *config.RunConfig
	fetcher Fetcher
	pool    *assemble.Pool

	onResult   func(*common.PanoramaResult)
	trackEvent func(string, map[string]interface{})
}

func NewRunner(cfg *config.RunConfig, fetcher Fetcher, pool *assemble.Pool) *Runner {
	return &Runner{cfg: cfg, fetcher: fetcher, pool: pool}
}

// SetOnResult registers a callback invoked for every finalized panorama
// result, in completion order. The result is immutable by then; the sink
// typically writes it to disk.
func (r *Runner) SetOnResult(fn func(*common.PanoramaResult)) {
	r.onResult = fn
}

// SetTrackEvent registers an optional analytics callback.
func (r *Runner) SetTrackEvent(fn func(string, map[string]interface{})) {
	r.trackEvent = fn
}

// Run processes every panorama ID. It validates the configuration before
// any fetching starts; an invalid zoom or concurrency setting is the only
// error this returns. Individual panorama failures land in the summary.
func (r *Runner) Run(ctx context.Context, panoIDs []string) (common.RunSummary, error) {
	var summary common.RunSummary

	if err := r.cfg.Validate(); err != nil {
		return summary, fmt.Errorf("invalid run configuration: %w", err)
	}

	provisional, err := layout.Provisional(r.cfg.ZoomLevel)
	if err != nil {
		return summary, err
	}

	start := time.Now()
	log.Printf("[Pipeline] Starting run: %d panoramas, zoom %d, grid %dx%d",
		len(panoIDs), r.cfg.ZoomLevel, provisional.XTiles, provisional.YTiles)

	if r.trackEvent != nil {
		r.trackEvent("run_started", map[string]interface{}{
			"panoramas": len(panoIDs),
			"zoom":      r.cfg.ZoomLevel,
		})
	}

	panoSem := semaphore.NewWeighted(int64(r.cfg.MaxConcurrentPanoramas))
	results := make(chan *common.PanoramaResult)

	go func() {
		var wg sync.WaitGroup
		for _, id := range panoIDs {
			// Admission waits while the pipeline bound is full. A cancelled
			// context stops admitting new panoramas; in-flight ones report
			// themselves as failed below.
			if err := panoSem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(panoID string) {
				defer wg.Done()
				defer panoSem.Release(1)
				results <- r.processPanorama(ctx, panoID, provisional)
			}(id)
		}
		wg.Wait()
		close(results)
	}()

	// Aggregate in completion order; no cross-panorama ordering exists.
	for res := range results {
		summary.Add(res)
		r.logResult(res)
		if r.onResult != nil {
			r.onResult(res)
		}
	}

	summary.OutputDir = r.cfg.OutputDir
	summary.Elapsed = formatElapsed(time.Since(start))

	if r.trackEvent != nil {
		r.trackEvent("run_complete", map[string]interface{}{
			"attempted": summary.Attempted,
			"succeeded": summary.Succeeded,
			"partial":   summary.Partial,
			"failed":    summary.Failed,
			"elapsed":   summary.Elapsed,
		})
	}

	log.Printf("[Pipeline] Run finished: %d/%d succeeded, %d partial, %d failed in %s",
		summary.Succeeded, summary.Attempted, summary.Partial, summary.Failed, summary.Elapsed)
	return summary, nil
}

// processPanorama runs one panorama pipeline: provisional fan-out, outcome
// join, assembly. Always returns a result; a cancelled pipeline reports
// StatusFailed rather than vanishing from the summary.
func (r *Runner) processPanorama(ctx context.Context, panoID string, provisional layout.Spec) *common.PanoramaResult {
	total := provisional.XTiles * provisional.YTiles
	tiles := make([]assemble.RawTile, total)

	var wg sync.WaitGroup
	for y := 0; y < provisional.YTiles; y++ {
		for x := 0; x < provisional.XTiles; x++ {
			idx := y*provisional.XTiles + x
			coord := common.TileCoordinate{X: x, Y: y}
			wg.Add(1)
			go func() {
				defer wg.Done()
				data, err := r.fetcher.Fetch(ctx, panoID, r.cfg.ZoomLevel, coord)
				raw := assemble.RawTile{Coord: coord}
				if err != nil {
					raw.Err = err
				} else {
					raw.Bytes = data.Bytes
					raw.Black = data.Black
				}
				tiles[idx] = raw
			}()
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return &common.PanoramaResult{
			PanoID: panoID,
			Zoom:   r.cfg.ZoomLevel,
			Status: common.StatusFailed,
			Err:    fmt.Errorf("run cancelled: %w", err),
		}
	}

	result, err := r.pool.Submit(ctx, assemble.Job{
		PanoID:      panoID,
		Zoom:        r.cfg.ZoomLevel,
		Provisional: provisional,
		Tiles:       tiles,
	})
	if err != nil {
		return &common.PanoramaResult{
			PanoID: panoID,
			Zoom:   r.cfg.ZoomLevel,
			Status: common.StatusFailed,
			Err:    fmt.Errorf("run cancelled before assembly: %w", err),
		}
	}
	return result
}

func (r *Runner) logResult(res *common.PanoramaResult) {
	switch res.Status {
	case common.StatusFailed:
		log.Printf("[Pipeline] FAIL %s | zoom %d | %v", res.PanoID, res.Zoom, res.Err)
	default:
		log.Printf("[Pipeline] %s %s | zoom %d | %s | %dx%d | tiles %d fetched / %d black / %d failed",
			statusTag(res.Status), res.PanoID, res.Zoom, res.Vintage,
			res.Width, res.Height, res.TilesFetched, res.TilesBlack, res.TilesFailed)
	}
}

func statusTag(s common.PanoramaStatus) string {
	if s == common.StatusSuccess {
		return "OK"
	}
	return "PARTIAL"
}

func formatElapsed(d time.Duration) string {
	hrs := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := d.Seconds() - float64(hrs*3600+mins*60)
	return fmt.Sprintf("%dh %dm %.2fs", hrs, mins, secs)
}
