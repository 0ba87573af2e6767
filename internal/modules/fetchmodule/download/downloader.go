// Package download fetches renditions from a remote source: a primary
// full-HD rendition plus a secondary rendition that fits a size budget, or a
// single rendition of a named quality.
package download

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/mantonx/mediarelay/internal/metrics"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/client"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compat"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compress"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/progress"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/timeouts"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	ttypes "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

const (
	renditionPrimary   = "primary"
	renditionSecondary = "secondary"
	renditionSingle    = "single"
)

// Fetcher downloads one rendition.
type Fetcher interface {
	Download(ctx context.Context, req client.Request) (string, error)
}

// SizeEstimator predicts rendition sizes.
type SizeEstimator interface {
	EstimateSize(ctx context.Context, url string, target types.QualityTarget, selector string) *float64
}

// Prober inspects downloaded files.
type Prober interface {
	Probe(ctx context.Context, path string) (*ttypes.MediaAsset, error)
}

// Converter makes a file compatible.
type Converter interface {
	ConvertToCompatible(ctx context.Context, path string, sink progress.Sink) (string, error)
}

// Compressor shrinks a file to a size budget.
type Compressor interface {
	CompressToTarget(ctx context.Context, asset *ttypes.MediaAsset, targetMB float64, opts compress.Options, sink progress.Sink) (string, error)
}

// Config holds downloader settings.
type Config struct {
	// BudgetMB caps the secondary rendition.
	BudgetMB float64           `yaml:"budget_mb"`
	Primary  types.HeightRange `yaml:"primary"`
	Medium   types.HeightRange `yaml:"medium"`

	// Tiers are step-down heights tried when the medium rendition is
	// expected to exceed the budget.
	Tiers         []int `yaml:"tiers"`
	TierTolerance int   `yaml:"tier_tolerance"`

	Attempts      uint          `yaml:"attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	RateLimitBase time.Duration `yaml:"rate_limit_base"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		BudgetMB:      70,
		Primary:       types.PrimaryTarget.Height,
		Medium:        types.MediumTarget.Height,
		Tiers:         []int{480, 360},
		TierTolerance: 50,
		Attempts:      3,
		BackoffBase:   5 * time.Second,
		RateLimitBase: 60 * time.Second,
	}
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithFs sets the filesystem holding downloads.
func WithFs(fs afero.Fs) Option {
	return func(d *Downloader) { d.fs = fs }
}

// WithTimer replaces the timer retries sleep on.
func WithTimer(t retry.Timer) Option {
	return func(d *Downloader) { d.timer = t }
}

// WithTimeoutFunc replaces the per-attempt budget computation.
func WithTimeoutFunc(f func(estimateMB *float64) time.Duration) Option {
	return func(d *Downloader) { d.timeout = f }
}

// WithPolicy sets the compatibility policy downloads are checked against.
func WithPolicy(p *compat.Policy) Option {
	return func(d *Downloader) { d.policy = p }
}

// Downloader orchestrates rendition downloads.
type Downloader struct {
	cfg        Config
	fetcher    Fetcher
	estimator  SizeEstimator
	prober     Prober
	converter  Converter
	compressor Compressor
	policy     *compat.Policy
	fs         afero.Fs
	timer      retry.Timer
	timeout    func(estimateMB *float64) time.Duration
	logger     hclog.Logger
}

// New creates a downloader.
func New(cfg Config, fetcher Fetcher, estimator SizeEstimator, prober Prober, converter Converter, compressor Compressor, logger hclog.Logger, opts ...Option) *Downloader {
	def := DefaultConfig()
	if cfg.BudgetMB <= 0 {
		cfg.BudgetMB = def.BudgetMB
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.RateLimitBase <= 0 {
		cfg.RateLimitBase = def.RateLimitBase
	}
	if cfg.TierTolerance <= 0 {
		cfg.TierTolerance = def.TierTolerance
	}
	if cfg.Primary.IsZero() {
		cfg.Primary = def.Primary
	}
	if cfg.Medium.IsZero() {
		cfg.Medium = def.Medium
	}

	d := &Downloader{
		cfg:        cfg,
		fetcher:    fetcher,
		estimator:  estimator,
		prober:     prober,
		converter:  converter,
		compressor: compressor,
		policy:     compat.Default(),
		fs:         afero.NewOsFs(),
		timeout:    timeouts.Fetch,
		logger:     logger.Named("download"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Backoff returns the delay after the n-th failed attempt (0-based).
// Rate limits back off linearly from RateLimitBase, everything else
// exponentially from BackoffBase.
func (d *Downloader) Backoff(n uint, err error) time.Duration {
	if terrors.IsRateLimited(err) {
		return d.cfg.RateLimitBase * time.Duration(n+1)
	}
	return d.cfg.BackoffBase * time.Duration(math.Pow(2, float64(n)))
}

// FetchDual downloads the primary rendition and tries to produce a
// secondary one within the budget. Only a primary failure is an error; a
// missing secondary is reported through the result's warnings.
func (d *Downloader) FetchDual(ctx context.Context, url, cookies string, sink progress.Sink) (*types.DownloadResult, error) {
	if url == "" {
		return nil, terrors.ValidationError("fetch_dual", terrors.ErrInvalidInput)
	}
	if sink == nil {
		sink = progress.Discard
	}

	result := &types.DownloadResult{}
	primary := types.PrimaryTarget
	primary.Height = d.cfg.Primary
	est := d.estimator.EstimateSize(ctx, url, primary, primary.CompatibleSelector())

	path, attempts, err := d.fetchRendition(ctx, renditionPrimary, url, cookies, primary, primary.Selectors(), est, sink)
	result.Attempts = append(result.Attempts, attempts...)
	if err != nil {
		return result, terrors.FetchFailure("fetch_dual", fmt.Errorf("primary rendition: %w", err)).
			WithDetail("attempts", result.Attempts)
	}
	result.PrimaryPath = path
	d.logger.Info("primary rendition ready", "path", path)

	secondary, attempts, warning := d.secondary(ctx, url, cookies, sink)
	result.Attempts = append(result.Attempts, attempts...)
	if warning != "" {
		result.Warnings = append(result.Warnings, warning)
		d.logger.Warn("secondary rendition unavailable", "url", url, "reason", warning)
	}
	result.SecondaryPath = secondary
	return result, nil
}

// FetchSingle downloads one rendition of a named quality.
func (d *Downloader) FetchSingle(ctx context.Context, url, quality, cookies string, sink progress.Sink) (*types.DownloadResult, error) {
	height, ok := types.SingleQualities[strings.ToLower(quality)]
	if !ok || url == "" {
		return nil, terrors.ValidationError("fetch_single", fmt.Errorf("%w: quality %q", terrors.ErrInvalidInput, quality))
	}
	if sink == nil {
		sink = progress.Discard
	}

	target := types.QualityTarget{Name: quality, Height: types.HeightRange{Max: height}}
	selector := types.SingleSelector(height)
	est := d.estimator.EstimateSize(ctx, url, target, selector)

	result := &types.DownloadResult{}
	path, attempts, err := d.fetchRendition(ctx, renditionSingle, url, cookies, target, []string{selector}, est, sink)
	result.Attempts = attempts
	if err != nil {
		return result, terrors.FetchFailure("fetch_single", err).WithDetail("attempts", attempts)
	}
	result.PrimaryPath = path
	return result, nil
}

// secondary produces the budget-capped rendition. It returns the final path
// or a warning explaining why there is none.
func (d *Downloader) secondary(ctx context.Context, url, cookies string, sink progress.Sink) (string, []types.FetchAttempt, string) {
	budget := d.cfg.BudgetMB
	medium := types.MediumTarget
	medium.Height = d.cfg.Medium
	var attempts []types.FetchAttempt

	est := d.estimator.EstimateSize(ctx, url, medium, medium.CompatibleSelector())

	var path string
	if est != nil && *est > budget {
		d.logger.Debug("medium rendition over budget, trying lower tiers", "estimate_mb", *est, "budget_mb", budget)
		for _, h := range d.cfg.Tiers {
			tier := types.TierTarget(h, d.cfg.TierTolerance)
			sel := tier.CompatibleSelector()
			tierEst := d.estimator.EstimateSize(ctx, url, tier, sel)
			if tierEst == nil || *tierEst > budget {
				continue
			}
			p, atts, err := d.fetchRendition(ctx, renditionSecondary, url, cookies, tier, []string{sel}, tierEst, sink)
			attempts = append(attempts, atts...)
			if err == nil {
				path = p
				break
			}
			if ctx.Err() != nil {
				return "", attempts, "secondary rendition cancelled"
			}
			if terrors.IsRateLimited(err) {
				return "", attempts, fmt.Sprintf("secondary rendition abandoned after rate limiting: %v", err)
			}
		}
	}

	if path == "" {
		p, atts, err := d.fetchRendition(ctx, renditionSecondary, url, cookies, medium, medium.Selectors(), est, sink)
		attempts = append(attempts, atts...)
		if err != nil {
			return "", attempts, fmt.Sprintf("secondary rendition could not be fetched: %v", err)
		}
		path = p
	}

	final, err := d.fitBudget(ctx, path, sink)
	if err != nil {
		return "", attempts, err.Error()
	}
	return final, attempts, ""
}

// fitBudget compresses path when it is over budget, keeps whichever of the
// two files is smaller and within budget, and renames the survivor. A file
// that cannot be brought within budget is deleted.
func (d *Downloader) fitBudget(ctx context.Context, path string, sink progress.Sink) (string, error) {
	budget := d.cfg.BudgetMB
	sizeMB, err := d.sizeMB(path)
	if err != nil {
		return "", fmt.Errorf("secondary rendition missing: %w", err)
	}

	final := path
	if sizeMB > budget {
		final = d.compress(ctx, path, sizeMB, sink)
	}

	finalMB, err := d.sizeMB(final)
	if err != nil {
		return "", fmt.Errorf("secondary rendition missing: %w", err)
	}
	if finalMB > budget {
		d.remove(final)
		return "", fmt.Errorf("secondary rendition is %.2f MB, over the %.0f MB budget", finalMB, budget)
	}

	renamed := strings.ReplaceAll(final, "_temp", "_or_70mb")
	if renamed == final {
		return final, nil
	}
	d.remove(renamed)
	if err := d.fs.Rename(final, renamed); err != nil {
		d.logger.Warn("failed to rename secondary rendition", "from", final, "to", renamed, "error", err)
		return final, nil
	}
	return renamed, nil
}

// compress returns the path to keep: the compressed file when it is smaller
// than the original and within budget, else the original.
func (d *Downloader) compress(ctx context.Context, path string, sizeMB float64, sink progress.Sink) string {
	budget := d.cfg.BudgetMB
	asset, err := d.prober.Probe(ctx, path)
	if err != nil {
		d.logger.Warn("cannot inspect secondary rendition for compression", "path", path, "error", err)
		return path
	}

	out, err := d.compressor.CompressToTarget(ctx, asset, budget, compress.Options{Suffix: types.SuffixCompressed}, sink)
	if err != nil {
		d.logger.Warn("compression of secondary rendition failed", "path", path, "error", err)
		return path
	}
	if out == path {
		return path
	}

	outMB, err := d.sizeMB(out)
	if err == nil && outMB < sizeMB && outMB <= budget {
		d.logger.Info("keeping compressed secondary rendition",
			"path", out, "size_mb", fmt.Sprintf("%.2f", outMB), "original_mb", fmt.Sprintf("%.2f", sizeMB))
		d.remove(path)
		return out
	}
	d.logger.Warn("compressed rendition not smaller within budget, discarding",
		"path", out, "size_mb", fmt.Sprintf("%.2f", outMB), "original_mb", fmt.Sprintf("%.2f", sizeMB))
	d.remove(out)
	return path
}

// fetchRendition downloads one rendition within a single budget of
// cfg.Attempts attempts shared by all selectors. A transient failure backs
// off and retries the current selector; a download rejected for its content
// moves on to the next selector within the same attempt.
func (d *Downloader) fetchRendition(ctx context.Context, rendition, url, cookies string, target types.QualityTarget,
	selectors []string, est *float64, sink progress.Sink) (string, []types.FetchAttempt, error) {

	if len(selectors) == 0 {
		return "", nil, terrors.InternalError("fetch", errors.New("no selectors"))
	}

	timeout := d.timeout(est)
	var attempts []types.FetchAttempt
	var path string
	var calls uint
	next := 0

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(d.cfg.Attempts),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			// n counts the attempts made so far
			if n > 0 {
				n--
			}
			return d.Backoff(n, err)
		}),
		retry.RetryIf(terrors.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			reason := "generic"
			if terrors.IsRateLimited(err) {
				reason = "rate_limited"
			}
			if n+1 < d.cfg.Attempts {
				metrics.FetchBackoffSeconds.WithLabelValues(reason).Add(d.Backoff(n, err).Seconds())
			}
			d.logger.Warn("fetch attempt failed",
				"rendition", rendition, "attempt", n+1, "reason", reason, "error", err)
		}),
	}
	if d.timer != nil {
		opts = append(opts, retry.WithTimer(d.timer))
	}

	err := retry.Do(func() error {
		n := calls
		calls++

		var err error
		for ; next < len(selectors); next++ {
			sel := selectors[next]
			a := types.FetchAttempt{Rendition: rendition, Attempt: int(n) + 1, Selector: sel, Timeout: timeout}

			var p string
			p, err = d.fetchOnce(ctx, client.Request{URL: url, Selector: sel, Suffix: target.Suffix, CookiesFile: cookies}, timeout, sink)
			if err == nil {
				metrics.FetchAttemptsTotal.WithLabelValues(rendition, "success").Inc()
				attempts = append(attempts, a)
				path = p
				return nil
			}

			a.Err = err.Error()
			a.RateLimited = terrors.IsRateLimited(err)
			metrics.FetchAttemptsTotal.WithLabelValues(rendition, string(terrors.GetType(err))).Inc()
			if terrors.IsRetryable(err) {
				a.Backoff = d.Backoff(n, err)
				attempts = append(attempts, a)
				return err
			}
			attempts = append(attempts, a)
			if ctx.Err() != nil {
				return err
			}
			d.logger.Debug("selector rejected", "rendition", rendition, "selector", sel, "error", err)
		}
		return err
	}, opts...)

	if err != nil {
		if ctx.Err() != nil {
			err = terrors.ClassifyFetchError("fetch", ctx.Err(), "")
		}
		return "", attempts, err
	}
	return path, attempts, nil
}

// fetchOnce downloads, validates and, when needed, converts one rendition
// within timeout.
func (d *Downloader) fetchOnce(ctx context.Context, req client.Request, timeout time.Duration, sink progress.Sink) (string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path, err := d.fetcher.Download(actx, req)
	if err != nil {
		return "", d.attemptError(ctx, actx, err)
	}

	out, err := d.prepare(actx, path, sink)
	if err != nil {
		return "", d.attemptError(ctx, actx, err)
	}
	return out, nil
}

func (d *Downloader) attemptError(parent, attempt context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return terrors.ClassifyFetchError("fetch", parent.Err(), "")
	case errors.Is(attempt.Err(), context.DeadlineExceeded):
		return terrors.TimeoutExceeded("fetch", err)
	}
	return err
}

// prepare checks a downloaded file and converts it when its streams are
// incompatible. Rejected files are removed.
func (d *Downloader) prepare(ctx context.Context, path string, sink progress.Sink) (string, error) {
	info, err := d.fs.Stat(path)
	if err != nil || info.Size() == 0 {
		d.remove(path)
		return "", terrors.FetchFailure("fetch", fmt.Errorf("downloaded file missing or empty: %s", path))
	}

	if err := d.checkContainer(path); err != nil {
		d.remove(path)
		return "", err
	}

	asset, err := d.prober.Probe(ctx, path)
	if err != nil {
		d.remove(path)
		return "", err
	}
	if !asset.HasAudio() {
		d.remove(path)
		return "", terrors.UnsupportedStream("fetch", terrors.ErrNoAudioStream).WithDetail("path", path)
	}
	if d.policy.Check(asset).Compatible() {
		return path, nil
	}

	converted, err := d.converter.ConvertToCompatible(ctx, path, sink)
	if err != nil {
		d.remove(path)
		return "", err
	}
	if converted != path {
		d.remove(path)
	}
	return converted, nil
}

// checkContainer sniffs the file header and rejects anything that is not a
// video container.
func (d *Downloader) checkContainer(path string) error {
	f, err := d.fs.Open(path)
	if err != nil {
		return terrors.FetchFailure("fetch", err)
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return terrors.FetchFailure("fetch", err)
	}
	if !strings.HasPrefix(mtype.String(), "video/") {
		return terrors.UnsupportedStream("fetch", fmt.Errorf("downloaded file is %s, not video", mtype.String())).
			WithDetail("path", path)
	}
	return nil
}

func (d *Downloader) sizeMB(path string) (float64, error) {
	info, err := d.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return types.BytesToMB(info.Size()), nil
}

func (d *Downloader) remove(path string) {
	if path == "" {
		return
	}
	if err := d.fs.Remove(path); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		d.logger.Debug("failed to remove file", "path", path, "error", err)
	}
}
