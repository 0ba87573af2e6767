package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/mediarelay/internal/cache"
	"github.com/mantonx/mediarelay/internal/config"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/client"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/download"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/estimate"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compat"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compress"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/encoder"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/hardware"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/probe"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/process"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/progress"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/timeouts"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/transcoder"
	ttypes "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
	"github.com/mantonx/mediarelay/internal/utils"
)

// app holds the wired pipeline components.
type app struct {
	cfg    *config.Config
	logger hclog.Logger

	pool    *utils.WorkerPool
	limiter *utils.RateLimiter

	probeCache    *cache.TTLCache[probe.Fields]
	infoCache     *cache.TTLCache[*types.VideoInfo]
	estimateCache *cache.TTLCache[*float64]

	policy     *compat.Policy
	prober     *probe.Prober
	detector   *hardware.Detector
	transcoder *transcoder.Transcoder
	compressor *compress.Compressor
	client     *client.Client
	estimator  *estimate.Estimator
	downloader *download.Downloader
}

// newApp wires every component from cfg. Close releases the worker pool
// and the rate limiter.
func newApp(cfg *config.Config, logger hclog.Logger) *app {
	pool := utils.NewWorkerPool(cfg.Workers.PoolSize)
	pool.Start()
	limiter := utils.NewRateLimiter(cfg.Fetch.MetadataRate, cfg.Fetch.MetadataInterval)
	limiter.Start()

	runner := process.NewPooledRunner(&process.DefaultCommandRunner{}, pool)
	policy := compat.Default()

	probeCache := cache.New[probe.Fields](cfg.Cache.ProbeTTL, nil)
	infoCache := cache.New[*types.VideoInfo](cfg.Cache.InfoTTL, nil)
	estimateCache := cache.New[*float64](cfg.Cache.EstimateTTL, nil)

	prober := probe.NewProber(runner, probeCache, logger,
		probe.WithFFprobePath(cfg.Tools.FFprobe))
	detector := hardware.NewDetector(runner, cfg.Tools.FFmpeg, logger)
	selector := encoder.NewSelector(detector, logger)

	tc := transcoder.New(transcoder.Config{
		FFmpegPath:     cfg.Tools.FFmpeg,
		MemoryFloorMB:  cfg.Transcode.MemoryFloorMB,
		MaxThreads:     cfg.Transcode.MaxThreads,
		CRF:            cfg.Transcode.CRF,
		AudioBitrate:   cfg.Transcode.AudioBitrate,
		SizeWarnRatio:  cfg.Transcode.SizeWarnRatio,
		MinBitrateMbps: cfg.Transcode.MinBitrateMbps,
	}, runner, prober, selector, logger, transcoder.WithPolicy(policy))

	strategy := compress.SinglePass
	if cfg.Compress.TwoPass {
		strategy = compress.TwoPass
	}
	cp := compress.New(compress.Config{
		FFmpegPath:   cfg.Tools.FFmpeg,
		AudioKbps:    cfg.Compress.AudioKbps,
		MinVideoKbps: cfg.Compress.MinVideoKbps,
		Safety:       cfg.Compress.Safety,
		MaxThreads:   cfg.Transcode.MaxThreads,
		Strategy:     strategy,
	}, runner, logger)

	cl := client.New(client.Config{
		YtdlpPath:    cfg.Tools.Ytdlp,
		DownloadsDir: cfg.Paths.DownloadsDir,
		CookiesFile:  cfg.Paths.CookiesFile,
	}, runner, infoCache, logger, client.WithRateLimiter(limiter))

	est := estimate.New(cl, estimateCache, logger)

	assumed := cfg.Fetch.AssumedSizeMB
	dl := download.New(download.Config{
		BudgetMB:      cfg.Fetch.BudgetMB,
		Primary:       types.HeightRange{Min: cfg.Fetch.PrimaryMinHeight, Max: cfg.Fetch.PrimaryMaxHeight},
		Medium:        types.HeightRange{Min: cfg.Fetch.MediumMinHeight, Max: cfg.Fetch.MediumMaxHeight},
		Tiers:         cfg.Fetch.Tiers,
		TierTolerance: cfg.Fetch.TierTolerance,
		Attempts:      cfg.Fetch.Attempts,
		BackoffBase:   cfg.Fetch.BackoffBase,
		RateLimitBase: cfg.Fetch.RateLimitBase,
	}, cl, est, prober, tc, cp, logger,
		download.WithPolicy(policy),
		download.WithTimeoutFunc(func(estimateMB *float64) time.Duration {
			if estimateMB == nil && assumed > 0 {
				return timeouts.Fetch(&assumed)
			}
			return timeouts.Fetch(estimateMB)
		}))

	return &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		limiter: limiter,

		probeCache:    probeCache,
		infoCache:     infoCache,
		estimateCache: estimateCache,

		policy:     policy,
		prober:     prober,
		detector:   detector,
		transcoder: tc,
		compressor: cp,
		client:     cl,
		estimator:  est,
		downloader: dl,
	}
}

// Close stops background workers.
func (a *app) Close() {
	a.limiter.Stop()
	a.pool.Stop()
}

// purgeCaches drops expired probe, metadata and estimate entries and
// returns how many were removed.
func (a *app) purgeCaches() int {
	return a.probeCache.Purge() + a.infoCache.Purge() + a.estimateCache.Purge()
}

// progressPrinter writes stage changes to the log.
func progressPrinter(logger hclog.Logger) progress.Sink {
	var mu sync.Mutex
	last := -1
	return progress.SinkFunc(func(u ttypes.ProgressUpdate) {
		mu.Lock()
		defer mu.Unlock()
		if u.Stage == last {
			return
		}
		last = u.Stage
		logger.Info("progress", "percent", u.Percent, "eta", fmt.Sprintf("%.0fs", u.ETASeconds))
	})
}
