// Package compress re-encodes media to fit a target file size.
package compress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/mantonx/mediarelay/internal/metrics"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/process"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/progress"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/system"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/timeouts"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

const bytesPerMB = 1024 * 1024

// Strategy selects how the target bitrate is hit.
type Strategy string

const (
	// SinglePass encodes once with a constrained bitrate. Used for
	// interactive jobs.
	SinglePass Strategy = "single_pass"
	// TwoPass runs a statistics pass first for better fidelity at a fixed size.
	TwoPass Strategy = "two_pass"
)

// DefaultSuffix is appended to compressed output names.
const DefaultSuffix = "_compressed"

// Config holds compressor settings.
type Config struct {
	FFmpegPath   string
	AudioKbps    int
	MinVideoKbps int
	Safety       float64
	MaxThreads   int
	Strategy     Strategy
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:   "ffmpeg",
		AudioKbps:    128,
		MinVideoKbps: 300,
		Safety:       0.95,
		MaxThreads:   system.MaxThreads,
		Strategy:     SinglePass,
	}
}

// Options tune one compression.
type Options struct {
	// Suffix replaces DefaultSuffix in the output name.
	Suffix string
	// Strategy overrides the configured strategy.
	Strategy Strategy
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithFs sets the filesystem used for size checks and cleanup.
func WithFs(fs afero.Fs) Option {
	return func(c *Compressor) { c.fs = fs }
}

// Compressor shrinks media to a size budget.
type Compressor struct {
	cfg     Config
	runner  process.CommandRunner
	fs      afero.Fs
	logger  hclog.Logger
	devNull string
}

// New creates a compressor.
func New(cfg Config, runner process.CommandRunner, logger hclog.Logger, opts ...Option) *Compressor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
		if p := os.Getenv("FFMPEG_PATH"); p != "" {
			cfg.FFmpegPath = p
		}
	}
	if cfg.Strategy == "" {
		cfg.Strategy = SinglePass
	}
	c := &Compressor{
		cfg:     cfg,
		runner:  runner,
		fs:      afero.NewOsFs(),
		logger:  logger.Named("compress"),
		devNull: os.DevNull,
	}
	if runtime.GOOS == "windows" {
		c.devNull = "NUL"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TargetBitrateKbps computes the video bitrate that lands a file of
// duration seconds at targetMB once audio and the safety margin are
// accounted for. The result never drops below minKbps.
func TargetBitrateKbps(targetMB, duration float64, audioKbps, minKbps int, safety float64) int {
	if duration <= 0 {
		return minKbps
	}
	targetBits := targetMB * 8 * bytesPerMB * safety
	audioBits := float64(audioKbps) * 1024 * duration
	kbps := int((targetBits - audioBits) / duration / 1024)
	if kbps < minKbps {
		kbps = minKbps
	}
	return kbps
}

// OutputPath returns the compressed file name for input. Rendition markers
// "_temp" and "_720ish" are dropped so suffix fully describes the result.
func OutputPath(input, suffix string) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	base = strings.ReplaceAll(base, "_temp", "")
	base = strings.ReplaceAll(base, "_720ish", "")
	return base + suffix + ".mp4"
}

// CompressToTarget re-encodes asset so it fits targetMB. An asset already
// within the target is returned unchanged. A result that still exceeds the
// target is logged but returned; the caller decides whether to keep it.
func (c *Compressor) CompressToTarget(ctx context.Context, asset *types.MediaAsset, targetMB float64, opts Options, sink progress.Sink) (string, error) {
	if float64(asset.Size) <= targetMB*bytesPerMB {
		c.logger.Debug("already within target", "path", asset.Path, "size_mb", asset.SizeMB(), "target_mb", targetMB)
		return asset.Path, nil
	}
	if asset.Duration <= 0 {
		return "", terrors.CompressFailure("compress", terrors.ErrDurationUnknown).WithDetail("path", asset.Path)
	}

	suffix := opts.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = c.cfg.Strategy
	}

	out := OutputPath(asset.Path, suffix)
	if out == asset.Path {
		return "", terrors.CompressFailure("compress", fmt.Errorf("%w: output would overwrite input", terrors.ErrInvalidInput))
	}

	kbps := TargetBitrateKbps(targetMB, asset.Duration, c.cfg.AudioKbps, c.cfg.MinVideoKbps, c.cfg.Safety)
	threads := system.ThreadCount(ctx, c.cfg.MaxThreads)
	passLog := strings.TrimSuffix(out, ".mp4") + "_passlog"

	c.logger.Info("compressing to target size",
		"path", asset.Path, "size_mb", fmt.Sprintf("%.2f", asset.SizeMB()),
		"target_mb", targetMB, "bitrate_kbps", kbps, "strategy", strategy)

	var err error
	if strategy == TwoPass {
		err = c.twoPass(ctx, asset, out, passLog, kbps, threads, sink)
	} else {
		err = c.singlePass(ctx, asset, out, kbps, threads, sink)
	}
	c.removePassLogs(passLog)

	if err == nil {
		if _, statErr := c.fs.Stat(out); statErr != nil {
			err = terrors.CompressFailure("compress", fmt.Errorf("output missing: %w", statErr))
		}
	}
	if err != nil {
		_ = c.fs.Remove(out)
		metrics.CompressionsTotal.WithLabelValues(string(strategy), "error").Inc()
		c.logger.Error("compression failed", "path", asset.Path, "error", err)
		return "", err
	}
	metrics.CompressionsTotal.WithLabelValues(string(strategy), "success").Inc()

	if info, statErr := c.fs.Stat(out); statErr == nil {
		finalMB := float64(info.Size()) / bytesPerMB
		c.logger.Info("compression complete",
			"output", out, "size_mb", fmt.Sprintf("%.2f", finalMB),
			"ratio", fmt.Sprintf("%.1f%%", (1-finalMB/asset.SizeMB())*100))
		if finalMB > targetMB {
			c.logger.Warn("compressed file exceeds target", "size_mb", fmt.Sprintf("%.2f", finalMB), "target_mb", targetMB)
		}
	}
	return out, nil
}

func (c *Compressor) singlePass(ctx context.Context, asset *types.MediaAsset, out string, kbps, threads int, sink progress.Sink) error {
	rate := strconv.Itoa(kbps) + "k"
	args := []string{
		"-hide_banner",
		"-i", asset.Path,
		"-c:v", "libx264",
		"-b:v", rate,
		"-maxrate", rate,
		"-threads", strconv.Itoa(threads),
		"-bufsize", strconv.Itoa(kbps*2) + "k",
		"-preset", "medium",
	}
	args = append(args, c.audioArgs()...)
	args = append(args, "-movflags", "+faststart", "-y", out)

	tracker := progress.NewTracker(ctx, asset.Duration, sink)
	if err := c.run(ctx, asset, args, tracker); err != nil {
		return err
	}
	tracker.Complete()
	return nil
}

func (c *Compressor) twoPass(ctx context.Context, asset *types.MediaAsset, out, passLog string, kbps, threads int, sink progress.Sink) error {
	rate := strconv.Itoa(kbps) + "k"
	pass1 := []string{
		"-hide_banner",
		"-i", asset.Path,
		"-c:v", "libx264",
		"-b:v", rate,
		"-preset", "medium",
		"-threads", strconv.Itoa(threads),
		"-pass", "1",
		"-passlogfile", passLog,
		"-an",
		"-f", "mp4",
		"-y", c.devNull,
	}
	c.logger.Debug("starting analysis pass", "path", asset.Path)
	if err := c.run(ctx, asset, pass1, nil); err != nil {
		return err
	}

	pass2 := []string{
		"-hide_banner",
		"-i", asset.Path,
		"-c:v", "libx264",
		"-b:v", rate,
		"-preset", "medium",
		"-threads", strconv.Itoa(threads),
		"-pass", "2",
		"-passlogfile", passLog,
	}
	pass2 = append(pass2, c.audioArgs()...)
	pass2 = append(pass2, "-strict", "-2", "-movflags", "+faststart", "-y", out)

	c.logger.Debug("starting encode pass", "path", asset.Path)
	tracker := progress.NewTracker(ctx, asset.Duration, sink)
	if err := c.run(ctx, asset, pass2, tracker); err != nil {
		return err
	}
	tracker.Complete()
	return nil
}

func (c *Compressor) audioArgs() []string {
	return []string{"-c:a", "aac", "-b:a", strconv.Itoa(c.cfg.AudioKbps) + "k", "-ar", "44100", "-ac", "2"}
}

func (c *Compressor) run(ctx context.Context, asset *types.MediaAsset, args []string, tracker *progress.Tracker) error {
	runCtx, cancel := context.WithTimeout(ctx, timeouts.Conversion(asset.SizeMB(), asset.VideoCodec))
	defer cancel()

	var errLines []string
	err := c.runner.Stream(runCtx, c.cfg.FFmpegPath, args, func(line string) {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			errLines = append(errLines, line)
		}
		if tracker != nil {
			tracker.Observe(line)
		}
	})
	if err == nil {
		return nil
	}

	switch {
	case ctx.Err() != nil:
		return terrors.CompressFailure("compress", fmt.Errorf("%w: %w", terrors.ErrCancelled, ctx.Err()))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return terrors.TimeoutExceeded("compress", err)
	}
	if len(errLines) > 5 {
		errLines = errLines[len(errLines)-5:]
	}
	if len(errLines) > 0 {
		err = fmt.Errorf("%w: %s", err, strings.Join(errLines, "; "))
	}
	return terrors.CompressFailure("compress", err)
}

func (c *Compressor) removePassLogs(prefix string) {
	for _, suffix := range []string{"-0.log", "-0.log.mbtree"} {
		_ = c.fs.Remove(prefix + suffix)
	}
}
