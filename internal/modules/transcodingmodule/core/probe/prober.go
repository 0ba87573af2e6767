// Package probe inspects media files with ffprobe.
// Each query selects a single stream and asks for specific fields in
// key=value form; results are cached per (path, query) in the shared TTL cache.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/mantonx/mediarelay/internal/cache"
	"github.com/mantonx/mediarelay/internal/metrics"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/process"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// Fields is the parsed key=value output of one query.
type Fields map[string]string

type query struct {
	shape string
	args  []string
}

var (
	videoQuery = query{
		shape: "v:0",
		args: []string{
			"-select_streams", "v:0",
			"-show_entries", "stream=codec_name,codec_tag_string,width,height:stream_tags=rotate:stream_side_data=rotation",
		},
	}
	audioQuery = query{
		shape: "a:0",
		args: []string{
			"-select_streams", "a:0",
			"-show_entries", "stream=codec_name,codec_tag_string",
		},
	}
	formatQuery = query{
		shape: "format",
		args:  []string{"-show_entries", "format=duration"},
	}
)

// Prober runs ffprobe queries against media files.
type Prober struct {
	runner      process.CommandRunner
	cache       *cache.TTLCache[Fields]
	fs          afero.Fs
	ffprobePath string
	logger      hclog.Logger

	availOnce sync.Once
	available bool
}

// Option configures a Prober.
type Option func(*Prober)

// WithFFprobePath overrides the ffprobe binary.
func WithFFprobePath(path string) Option {
	return func(p *Prober) {
		if path != "" {
			p.ffprobePath = path
		}
	}
}

// WithFs sets the filesystem used for size lookups.
func WithFs(fs afero.Fs) Option {
	return func(p *Prober) { p.fs = fs }
}

// NewProber creates a prober. The cache is shared with other probers so a
// job never inspects the same file twice within the TTL.
func NewProber(runner process.CommandRunner, c *cache.TTLCache[Fields], logger hclog.Logger, opts ...Option) *Prober {
	ffprobePath := "ffprobe"
	if customPath := os.Getenv("FFPROBE_PATH"); customPath != "" {
		ffprobePath = customPath
	}

	p := &Prober{
		runner:      runner,
		cache:       c,
		fs:          afero.NewOsFs(),
		ffprobePath: ffprobePath,
		logger:      logger.Named("probe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Available reports whether ffprobe can be executed. Checked once per process.
func (p *Prober) Available(ctx context.Context) bool {
	p.availOnce.Do(func() {
		_, err := p.runner.Run(ctx, p.ffprobePath, "-version")
		p.available = err == nil
		if err != nil {
			p.logger.Warn("ffprobe not available", "path", p.ffprobePath, "error", err)
		}
	})
	return p.available
}

// Probe inspects path, serving repeated queries from the cache.
func (p *Prober) Probe(ctx context.Context, path string) (*types.MediaAsset, error) {
	return p.probe(ctx, path, false)
}

// ProbeFresh inspects path without consulting the cache and refreshes it.
// Used after a transcode replaced the file's streams.
func (p *Prober) ProbeFresh(ctx context.Context, path string) (*types.MediaAsset, error) {
	return p.probe(ctx, path, true)
}

func (p *Prober) probe(ctx context.Context, path string, fresh bool) (*types.MediaAsset, error) {
	info, err := p.fs.Stat(path)
	if err != nil {
		return nil, terrors.ProbeFailure("probe", fmt.Errorf("stat %s: %w", path, err))
	}

	video, err := p.query(ctx, path, videoQuery, fresh)
	if err != nil {
		return nil, terrors.ProbeFailure("probe", err)
	}

	// a missing audio stream is "unknown", not a probe failure
	audio, err := p.query(ctx, path, audioQuery, fresh)
	if err != nil {
		p.logger.Debug("audio query failed", "path", path, "error", err)
		audio = Fields{}
	}

	format, err := p.query(ctx, path, formatQuery, fresh)
	if err != nil {
		p.logger.Debug("duration query failed", "path", path, "error", err)
		format = Fields{}
	}

	asset := buildAsset(path, info.Size(), video, audio, format)
	if asset.VideoCodec == "" && asset.AudioCodec == "" {
		return nil, terrors.ProbeFailure("probe", fmt.Errorf("no video or audio stream identified in %s", path))
	}

	p.logger.Debug("probed",
		"path", path,
		"video", asset.VideoCodec, "video_tag", asset.VideoTag,
		"audio", asset.AudioCodec, "audio_tag", asset.AudioTag,
		"width", asset.Width, "height", asset.Height, "rotation", asset.Rotation,
		"duration", asset.Duration)

	return asset, nil
}

func (p *Prober) query(ctx context.Context, path string, q query, fresh bool) (Fields, error) {
	key := path + "|" + q.shape
	if !fresh && p.cache != nil {
		if f, ok := p.cache.Get(key); ok {
			metrics.ProbeCacheLookups.WithLabelValues("hit").Inc()
			return f, nil
		}
		metrics.ProbeCacheLookups.WithLabelValues("miss").Inc()
	}

	args := append([]string{"-v", "error"}, q.args...)
	args = append(args, "-of", "default=noprint_wrappers=1", path)

	out, err := p.runner.Run(ctx, p.ffprobePath, args...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", q.shape, err)
	}

	fields := ParseFields(out)
	if p.cache != nil {
		p.cache.Set(key, fields)
	}
	return fields, nil
}

// ParseFields parses ffprobe key=value output. Only the first occurrence of a
// key is kept, TAG: prefixes are stripped and "N/A" counts as absent.
func ParseFields(out []byte) Fields {
	fields := Fields{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "TAG:")
		value = strings.TrimSpace(value)
		if key == "" || value == "" || value == "N/A" {
			continue
		}
		if _, seen := fields[key]; !seen {
			fields[key] = value
		}
	}
	return fields
}

func buildAsset(path string, size int64, video, audio, format Fields) *types.MediaAsset {
	asset := &types.MediaAsset{
		Path:       path,
		VideoCodec: video["codec_name"],
		VideoTag:   video["codec_tag_string"],
		AudioCodec: audio["codec_name"],
		AudioTag:   audio["codec_tag_string"],
		Size:       size,
	}

	asset.Width, _ = strconv.Atoi(video["width"])
	asset.Height, _ = strconv.Atoi(video["height"])

	if d, err := strconv.ParseFloat(format["duration"], 64); err == nil && d > 0 {
		asset.Duration = d
	}

	asset.Rotation = rotationOf(video)
	if asset.Rotation == 90 || asset.Rotation == 270 {
		asset.Width, asset.Height = asset.Height, asset.Width
		asset.Rotated = true
	}
	return asset
}

// rotationOf reads the legacy rotate tag, falling back to display matrix
// side data, normalized into [0, 360).
func rotationOf(video Fields) int {
	raw, ok := video["rotate"]
	if !ok {
		raw, ok = video["rotation"]
	}
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	r := int(math.Round(f)) % 360
	if r < 0 {
		r += 360
	}
	return r
}
