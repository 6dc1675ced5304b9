// Package sink persists assembled panoramas to disk. It consumes finalized
// PanoramaResult objects; the pipeline itself never touches the filesystem.
package sink

import (
	"fmt"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/HugoSmits86/nativewebp"
	"github.com/dustin/go-humanize"

	"pano-downloader/internal/common"
	"pano-downloader/internal/config"
)

const jpegQuality = 90

// Writer saves panorama images under outputDir/panos_z{zoom}/{panoid}.{ext}.
// Safe for concurrent use; results arrive in completion order from multiple
// pipelines.
type Writer struct {
	outputDir string
	format    string

	mkdirOnce sync.Map // zoom dir path -> *sync.Once
}

func NewWriter(outputDir, format string) *Writer {
	if format == "" {
		format = config.FormatJPEG
	}
	return &Writer{outputDir: outputDir, format: format}
}

// zoomDir returns the per-zoom subdirectory, creating it on first use.
func (w *Writer) zoomDir(zoom int) (string, error) {
	dir := filepath.Join(w.outputDir, fmt.Sprintf("panos_z%d", zoom))

	onceAny, _ := w.mkdirOnce.LoadOrStore(dir, &sync.Once{})
	var mkErr error
	onceAny.(*sync.Once).Do(func() {
		mkErr = os.MkdirAll(dir, 0755)
	})
	if mkErr != nil {
		return "", fmt.Errorf("failed to create output directory: %w", mkErr)
	}
	return dir, nil
}

func (w *Writer) extension() string {
	switch w.format {
	case config.FormatPNG:
		return ".png"
	case config.FormatWebP:
		return ".webp"
	default:
		return ".jpg"
	}
}

// Write persists one result. Failed panoramas carry no image and are
// skipped. Returns the written path and file size.
func (w *Writer) Write(res *common.PanoramaResult) (string, int64, error) {
	if res.Image == nil {
		return "", 0, nil
	}

	dir, err := w.zoomDir(res.Zoom)
	if err != nil {
		return "", 0, err
	}

	outPath := filepath.Join(dir, res.PanoID+w.extension())
	f, err := os.Create(outPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", outPath, err)
	}

	switch w.format {
	case config.FormatPNG:
		err = png.Encode(f, res.Image)
	case config.FormatWebP:
		err = nativewebp.Encode(f, res.Image, nil)
	default:
		err = jpeg.Encode(f, res.Image, &jpeg.Options{Quality: jpegQuality})
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return "", 0, fmt.Errorf("failed to encode %s: %w", outPath, err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return outPath, 0, nil
	}
	return outPath, info.Size(), nil
}

// HandleResult is the pipeline callback: write the image and log the
// outcome. Write errors are logged and absorbed; a full disk on one
// panorama must not abort the run.
func (w *Writer) HandleResult(res *common.PanoramaResult) {
	path, size, err := w.Write(res)
	if err != nil {
		log.Printf("[Sink] Failed to save %s: %v", res.PanoID, err)
		return
	}
	if path != "" {
		log.Printf("[Sink] Saved %s (%s)", path, humanize.Bytes(uint64(size)))
	}
}
