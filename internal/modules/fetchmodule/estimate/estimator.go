// Package estimate predicts the download size of a rendition before it is
// fetched.
package estimate

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/mediarelay/internal/cache"
	"github.com/mantonx/mediarelay/internal/metrics"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
)

// TTL is how long an estimate stays cached per (source, selector).
const TTL = 5 * time.Minute

// Heuristic bitrates used when the source reports no sizes, in Mbps.
const (
	HighBitrateMbps   = 8.0
	MediumBitrateMbps = 5.0
	LowBitrateMbps    = 2.5
)

// InfoSource supplies source metadata.
type InfoSource interface {
	VideoInfo(ctx context.Context, url string) (*types.VideoInfo, error)
}

// Estimator estimates rendition sizes in megabytes.
type Estimator struct {
	source InfoSource
	cache  *cache.TTLCache[*float64]
	logger hclog.Logger
}

// New creates an estimator. A nil cache gets a private one.
func New(source InfoSource, c *cache.TTLCache[*float64], logger hclog.Logger) *Estimator {
	if c == nil {
		c = cache.New[*float64](TTL, nil)
	}
	return &Estimator{source: source, cache: c, logger: logger.Named("estimate")}
}

// EstimateSize returns the expected size in MB of the rendition selected by
// selector, or nil when it cannot be estimated. Failures are never errors.
func (e *Estimator) EstimateSize(ctx context.Context, url string, target types.QualityTarget, selector string) *float64 {
	key := url + "|" + selector
	if v, ok := e.cache.Get(key); ok {
		metrics.SizeEstimatesTotal.WithLabelValues("cache").Inc()
		return v
	}

	info, err := e.source.VideoInfo(ctx, url)
	if err != nil {
		e.logger.Debug("size estimate unavailable", "url", url, "error", err)
		metrics.SizeEstimatesTotal.WithLabelValues("unknown").Inc()
		return nil
	}

	est, source := FromInfo(info, target, selector)
	metrics.SizeEstimatesTotal.WithLabelValues(source).Inc()
	e.cache.Set(key, est)
	return est
}

// FromInfo computes an estimate from metadata. The largest reported size
// among matching formats wins; without one a bitrate heuristic picked from
// the selector is applied to the duration.
func FromInfo(info *types.VideoInfo, target types.QualityTarget, selector string) (*float64, string) {
	var largest float64
	for _, f := range info.Formats {
		if !target.Matches(f) {
			continue
		}
		if s := f.Size(); s > largest {
			largest = s
		}
	}
	if largest > 0 {
		mb := largest / (1024 * 1024)
		return &mb, "reported"
	}

	if info.Duration <= 0 {
		return nil, "unknown"
	}
	mb := HeuristicMbps(selector) * info.Duration / 8
	return &mb, "heuristic"
}

// HeuristicMbps picks an assumed bitrate from the selector text.
func HeuristicMbps(selector string) float64 {
	switch {
	case strings.Contains(selector, "1080") || strings.Contains(selector, "height>=930"):
		return HighBitrateMbps
	case strings.Contains(selector, "720") || strings.Contains(selector, "height>=570"):
		return MediumBitrateMbps
	}
	return LowBitrateMbps
}
