// Command panodl downloads Street View panoramas from a dataset of panorama
// IDs, reassembling each one from its tile grid into a full image.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pano-downloader/internal/assemble"
	"pano-downloader/internal/cache"
	"pano-downloader/internal/classify"
	"pano-downloader/internal/config"
	"pano-downloader/internal/dataset"
	"pano-downloader/internal/pipeline"
	"pano-downloader/internal/sink"
	"pano-downloader/internal/streetview"
	"pano-downloader/internal/telemetry"
)

var (
	flagConfig       string
	flagDataset      string
	flagOutput       string
	flagZoom         int
	flagMaxPano      int
	flagConnLimit    int
	flagConnPerHost  int
	flagWorkers      int
	flagRetries      int
	flagLimit        int
	flagFormat       string
	flagFailureRatio float64
	flagNoCrop       bool
	flagCacheDir     string
)

func main() {
	root := &cobra.Command{
		Use:   "panodl",
		Short: "Street View panorama downloader",
		Long: "panodl fetches panorama tiles concurrently, classifies their vintage\n" +
			"and validity, and stitches them into full-resolution images.",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVar(&flagConfig, "config", "", "path to JSON config file")
	root.Flags().StringVar(&flagDataset, "dataset", "./dataset.json", "path to JSON array of panorama IDs")
	root.Flags().StringVar(&flagOutput, "output", "", "output directory (default: current directory)")
	root.Flags().IntVar(&flagZoom, "zoom", 2, "zoom level (0-5)")
	root.Flags().IntVar(&flagMaxPano, "max-pano", 50, "max concurrent panorama pipelines")
	root.Flags().IntVar(&flagConnLimit, "conn-limit", 100, "max concurrent connections in total")
	root.Flags().IntVar(&flagConnPerHost, "conn-limit-per-host", 100, "max concurrent connections per host")
	root.Flags().IntVar(&flagWorkers, "workers", 20, "assembly worker pool size")
	root.Flags().IntVar(&flagRetries, "retries", 3, "network retry budget per tile")
	root.Flags().IntVar(&flagLimit, "limit", 0, "process only the first N panorama IDs")
	root.Flags().StringVar(&flagFormat, "format", "jpeg", "output image format (jpeg, png, webp)")
	root.Flags().Float64Var(&flagFailureRatio, "failure-ratio", 0.5, "invalid-tile ratio above which a panorama fails")
	root.Flags().BoolVar(&flagNoCrop, "no-crop", false, "keep legacy black margins instead of cropping them")
	root.Flags().StringVar(&flagCacheDir, "cache-dir", "", "enable the persistent tile cache at this directory")

	if err := root.Execute(); err != nil {
		log.Printf("[Main] Error: %v", err)
		os.Exit(1)
	}
}

// buildConfig merges the config file with explicitly set flags; flags win.
func buildConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("zoom") || flagConfig == "" {
		cfg.ZoomLevel = flagZoom
	}
	if flags.Changed("max-pano") {
		cfg.MaxConcurrentPanoramas = flagMaxPano
	}
	if flags.Changed("conn-limit") {
		cfg.MaxTotalConnections = flagConnLimit
	}
	if flags.Changed("conn-limit-per-host") {
		cfg.MaxConnectionsPerHost = flagConnPerHost
	}
	if flags.Changed("workers") {
		cfg.WorkerPoolSize = flagWorkers
	}
	if flags.Changed("retries") {
		cfg.TileRetryBudget = flagRetries
	}
	if flags.Changed("format") {
		cfg.OutputFormat = flagFormat
	}
	if flags.Changed("failure-ratio") {
		cfg.FailureRatioThreshold = flagFailureRatio
	}
	if flagNoCrop {
		cfg.CropBlackMargin = false
	}
	if flagOutput != "" {
		cfg.OutputDir = flagOutput
	}
	if flagCacheDir != "" {
		cfg.CacheDir = flagCacheDir
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ids, err := dataset.Load(flagDataset, flagLimit)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("dataset %s contains no panorama IDs", flagDataset)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tileCache streetview.TileCache
	if cfg.CacheDir != "" {
		c, err := cache.New(cfg.CacheDir, cfg.CacheMaxSizeMB, 0)
		if err != nil {
			log.Printf("[Main] Tile cache disabled: %v", err)
		} else {
			defer c.Close()
			tileCache = c
		}
	}

	client := streetview.NewClient(streetview.Options{
		TileURL:               cfg.TileURL,
		MaxTotalConnections:   cfg.MaxTotalConnections,
		MaxConnectionsPerHost: cfg.MaxConnectionsPerHost,
		RetryBudget:           cfg.TileRetryBudget,
		BackoffBase:           time.Duration(cfg.BackoffBaseMillis) * time.Millisecond,
		Cache:                 tileCache,
	})

	assembler := assemble.New(assemble.Config{
		FailureRatioThreshold: cfg.FailureRatioThreshold,
		CropBlackMargin:       cfg.CropBlackMargin,
	}, classify.New(classify.DefaultThresholds()))

	pool := assemble.NewPool(cfg.WorkerPoolSize, assembler)
	defer pool.Close()

	tracker := telemetry.New(os.Getenv("POSTHOG_API_KEY"), os.Getenv("POSTHOG_HOST"), "")
	defer tracker.Close()

	writer := sink.NewWriter(cfg.OutputDir, cfg.OutputFormat)

	runner := pipeline.NewRunner(cfg, client, pool)
	runner.SetOnResult(writer.HandleResult)
	runner.SetTrackEvent(tracker.Track)

	summary, err := runner.Run(ctx, ids)
	if err != nil {
		return err
	}

	fmt.Printf("\nProcessed %s panoramas in %s\n",
		humanize.Comma(int64(summary.Attempted)), summary.Elapsed)
	fmt.Printf("  success: %d  partial: %d  failed: %d\n",
		summary.Succeeded, summary.Partial, summary.Failed)
	fmt.Printf("  tiles: %d fetched / %d black / %d failed\n",
		summary.TilesFetched, summary.TilesBlack, summary.TilesFailed)
	fmt.Printf("  output: %s\n", summary.OutputDir)
	return nil
}
