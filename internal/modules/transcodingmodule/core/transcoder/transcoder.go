// Package transcoder converts media to the delivery target by walking an
// ordered ladder of encode candidates until one produces compatible output.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/mantonx/mediarelay/internal/metrics"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compat"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/process"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/progress"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/system"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/timeouts"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// Prober inspects media files.
type Prober interface {
	Probe(ctx context.Context, path string) (*types.MediaAsset, error)
	ProbeFresh(ctx context.Context, path string) (*types.MediaAsset, error)
}

// CandidateBuilder produces the encode ladder for a source codec.
type CandidateBuilder interface {
	BuildCandidates(ctx context.Context, sourceVideoCodec string) []types.EncodeCandidate
}

// Config holds transcoder settings.
type Config struct {
	FFmpegPath     string
	MemoryFloorMB  uint64
	MaxThreads     int
	CRF            int
	AudioBitrate   string
	SizeWarnRatio  float64
	MinBitrateMbps float64
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:     "ffmpeg",
		MemoryFloorMB:  system.DefaultMemoryFloorMB,
		MaxThreads:     system.MaxThreads,
		CRF:            23,
		AudioBitrate:   "128k",
		SizeWarnRatio:  1.5,
		MinBitrateMbps: 0.5,
	}
}

// TimeoutFunc computes the budget of one encode attempt.
type TimeoutFunc func(sizeMB float64, sourceCodec string) time.Duration

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithFs sets the filesystem used for cleanup and renames.
func WithFs(fs afero.Fs) Option {
	return func(t *Transcoder) { t.fs = fs }
}

// WithMemoryReader overrides the host memory source.
func WithMemoryReader(r system.MemoryReader) Option {
	return func(t *Transcoder) { t.memory = r }
}

// WithPolicy overrides the compatibility policy.
func WithPolicy(p *compat.Policy) Option {
	return func(t *Transcoder) { t.policy = p }
}

// WithTimeoutFunc overrides the per-attempt budget.
func WithTimeoutFunc(f TimeoutFunc) Option {
	return func(t *Transcoder) { t.timeout = f }
}

// Transcoder drives ffmpeg through a candidate ladder.
type Transcoder struct {
	cfg      Config
	runner   process.CommandRunner
	prober   Prober
	selector CandidateBuilder
	policy   *compat.Policy
	memory   system.MemoryReader
	fs       afero.Fs
	timeout  TimeoutFunc
	logger   hclog.Logger
}

// New creates a transcoder.
func New(cfg Config, runner process.CommandRunner, prober Prober, selector CandidateBuilder, logger hclog.Logger, opts ...Option) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
		if p := os.Getenv("FFMPEG_PATH"); p != "" {
			cfg.FFmpegPath = p
		}
	}
	t := &Transcoder{
		cfg:      cfg,
		runner:   runner,
		prober:   prober,
		selector: selector,
		policy:   compat.Default(),
		memory:   system.HostMemory{},
		fs:       afero.NewOsFs(),
		timeout:  timeouts.Conversion,
		logger:   logger.Named("transcoder"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ConvertToCompatible probes path and, when needed, converts it. The
// returned path equals path when the file was already compatible.
func (t *Transcoder) ConvertToCompatible(ctx context.Context, path string, sink progress.Sink) (string, error) {
	asset, err := t.prober.Probe(ctx, path)
	if err != nil {
		return "", err
	}
	if t.policy.Check(asset).Compatible() {
		t.logger.Debug("already compatible", "path", path)
		return path, nil
	}
	candidates := t.selector.BuildCandidates(ctx, asset.VideoCodec)
	return t.Transcode(ctx, asset, candidates, sink)
}

// Transcode converts asset by trying candidates in order. A failed candidate
// is followed by the next preset of the same encoder as a retry writing to a
// separate file; every candidate runs at most once. The returned path always
// re-probes as compatible.
func (t *Transcoder) Transcode(ctx context.Context, asset *types.MediaAsset, candidates []types.EncodeCandidate, sink progress.Sink) (string, error) {
	verdict := t.policy.Check(asset)
	if verdict.Compatible() {
		return asset.Path, nil
	}

	if verdict.NeedsVideo() {
		if err := system.CheckFloor(ctx, t.memory, t.cfg.MemoryFloorMB); err != nil {
			t.logger.Error("not enough memory for conversion", "path", asset.Path, "error", err)
			return "", err
		}
	} else if len(candidates) > 1 {
		// video is copied so the encoder choice is irrelevant
		candidates = candidates[:1]
	}

	if len(candidates) == 0 {
		return "", terrors.EncodeFailure("transcode", terrors.ErrCandidatesExhausted)
	}

	finalPath := OutputPath(asset.Path)
	retryPath := RetryOutputPath(asset.Path)
	threads := system.ThreadCount(ctx, t.cfg.MaxThreads)
	tracker := progress.NewTracker(ctx, asset.Duration, sink)

	t.logger.Info("converting to compatible format",
		"path", asset.Path,
		"video", verdict.NeedsVideo(), "audio", verdict.NeedsAudio(),
		"source_codec", asset.VideoCodec, "candidates", len(candidates))

	var attempts []types.EncodeAttemptResult
	for i, c := range candidates {
		retry := i > 0 && candidates[i-1].Encoder == c.Encoder
		out := finalPath
		if retry {
			out = retryPath
		}

		converted, res, err := t.attempt(ctx, asset, verdict, c, out, threads, tracker)
		res.Retry = retry
		attempts = append(attempts, res)

		if err == nil {
			if retry {
				_ = t.fs.Remove(finalPath)
				if err := t.fs.Rename(retryPath, finalPath); err != nil {
					t.cleanup(retryPath)
					return "", terrors.EncodeFailure("transcode", fmt.Errorf("move retry output: %w", err)).
						WithDetail("attempts", attempts)
				}
				converted.Path = finalPath
			}
			tracker.Complete()
			for _, w := range QualityWarnings(asset, converted, t.cfg) {
				t.logger.Warn(w, "path", finalPath)
			}
			t.logger.Info("conversion complete",
				"encoder", c.Encoder, "preset", c.Preset, "retry", retry,
				"attempts", len(attempts), "size_mb", fmt.Sprintf("%.2f", converted.SizeMB()))
			return finalPath, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", terrors.EncodeFailure("transcode", fmt.Errorf("%w: %w", terrors.ErrCancelled, ctxErr)).
				WithDetail("attempts", attempts)
		}
		t.logger.Warn("encode attempt failed",
			"encoder", c.Encoder, "preset", c.Preset, "retry", retry, "error", err)
	}

	t.logger.Error("all encode candidates failed", "path", asset.Path, "attempts", len(attempts))
	return "", terrors.EncodeFailure("transcode",
		fmt.Errorf("%w: %d attempts", terrors.ErrCandidatesExhausted, len(attempts))).
		WithDetail("attempts", attempts)
}

func (t *Transcoder) attempt(ctx context.Context, asset *types.MediaAsset, verdict types.CompatibilityVerdict,
	c types.EncodeCandidate, out string, threads int, tracker *progress.Tracker) (*types.MediaAsset, types.EncodeAttemptResult, error) {

	start := time.Now()
	res := types.EncodeAttemptResult{Candidate: c}
	status := "error"
	defer func() {
		metrics.EncodeAttemptsTotal.WithLabelValues(c.Encoder, c.Preset, status).Inc()
		metrics.EncodeAttemptDuration.WithLabelValues(c.Encoder).Observe(time.Since(start).Seconds())
	}()
	fail := func(err error) (*types.MediaAsset, types.EncodeAttemptResult, error) {
		t.cleanup(out)
		res.Err = err.Error()
		res.Elapsed = time.Since(start)
		return nil, res, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, t.timeout(asset.SizeMB(), asset.VideoCodec))
	defer cancel()

	args := BuildArgs(Spec{
		Input:        asset.Path,
		Output:       out,
		Candidate:    c,
		Verdict:      verdict,
		Threads:      threads,
		CRF:          t.cfg.CRF,
		AudioBitrate: t.cfg.AudioBitrate,
	})
	t.logger.Debug("running ffmpeg", "encoder", c.Encoder, "preset", c.Preset, "args", strings.Join(args, " "))

	var errLines []string
	err := t.runner.Stream(attemptCtx, t.cfg.FFmpegPath, args, func(line string) {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			errLines = append(errLines, line)
		}
		tracker.Observe(line)
	})

	if err != nil {
		switch {
		case ctx.Err() != nil:
			status = "cancelled"
			return fail(fmt.Errorf("%w: %w", terrors.ErrCancelled, ctx.Err()))
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			status = "timeout"
			return fail(terrors.TimeoutExceeded("transcode", err).WithDetail("encoder", c.Encoder))
		}
		detail := err.Error()
		if len(errLines) > 0 {
			if len(errLines) > 5 {
				errLines = errLines[len(errLines)-5:]
			}
			detail = strings.Join(errLines, "; ")
		}
		return fail(terrors.EncodeFailure("transcode", fmt.Errorf("%w: %s", terrors.ErrEncodeFailed, detail)).
			WithDetail("encoder", c.Encoder).WithDetail("preset", c.Preset))
	}

	if _, statErr := t.fs.Stat(out); statErr != nil {
		return fail(terrors.EncodeFailure("transcode", fmt.Errorf("%w: output missing: %v", terrors.ErrEncodeFailed, statErr)))
	}

	converted, err := t.prober.ProbeFresh(ctx, out)
	if err != nil {
		status = "invalid_output"
		return fail(terrors.OutputValidationFailure("transcode", err))
	}
	if v := t.policy.Check(converted); !v.Compatible() {
		status = "invalid_output"
		return fail(terrors.OutputValidationFailure("transcode",
			fmt.Errorf("%w: video=%s/%s audio=%s/%s", terrors.ErrIncompatibleOutput,
				v.VideoCodec, v.VideoTag, v.AudioCodec, v.AudioTag)))
	}

	status = "success"
	res.Success = true
	res.OutputPath = out
	res.Elapsed = time.Since(start)
	return converted, res, nil
}

// cleanup removes a partial output and any pass logs next to it.
func (t *Transcoder) cleanup(out string) {
	_ = t.fs.Remove(out)
	RemovePassLogs(t.fs, filepath.Dir(out))
}

// RemovePassLogs deletes two-pass statistics files from dir. Files outside
// dir, including those in the working directory, are left alone.
func RemovePassLogs(fs afero.Fs, dir string) {
	if dir == "" {
		return
	}
	for _, name := range passLogFiles {
		_ = fs.Remove(filepath.Join(dir, name))
	}
}

// QualityWarnings flags conversions whose output looks suspicious: much
// larger than the input, or a bitrate too low to be watchable.
func QualityWarnings(in, out *types.MediaAsset, cfg Config) []string {
	var warnings []string
	if in.Size > 0 && cfg.SizeWarnRatio > 0 && float64(out.Size) > float64(in.Size)*cfg.SizeWarnRatio {
		warnings = append(warnings, fmt.Sprintf("converted file is %.1f%% larger than the original",
			(float64(out.Size)/float64(in.Size)-1)*100))
	}
	duration := out.Duration
	if duration <= 0 {
		duration = in.Duration
	}
	if duration > 0 && cfg.MinBitrateMbps > 0 {
		if mbps := out.SizeMB() * 8 / duration; mbps < cfg.MinBitrateMbps {
			warnings = append(warnings, fmt.Sprintf("estimated bitrate is very low: %.2f Mbps", mbps))
		}
	}
	return warnings
}
