// Package client wraps the yt-dlp command line tool: metadata queries and
// rendition downloads.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/mantonx/mediarelay/internal/cache"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/process"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/mediarelay/internal/utils"
)

// InfoTTL is how long metadata of a source stays cached.
const InfoTTL = 5 * time.Minute

// metadataTimeout bounds a single metadata query.
const metadataTimeout = 60 * time.Second

// Config configures the client.
type Config struct {
	YtdlpPath    string `yaml:"ytdlp_path"`
	DownloadsDir string `yaml:"downloads_dir"`
	// CookiesFile is used when a request carries no credentials of its own.
	CookiesFile string `yaml:"cookies_file"`
}

// DefaultConfig returns defaults, honouring YTDLP_PATH.
func DefaultConfig() Config {
	path := "yt-dlp"
	if custom := os.Getenv("YTDLP_PATH"); custom != "" {
		path = custom
	}
	return Config{YtdlpPath: path, DownloadsDir: "downloads"}
}

// Request describes one rendition download.
type Request struct {
	URL      string
	Selector string
	Suffix   string
	// CookiesFile is passed to yt-dlp only when the file exists.
	CookiesFile string
}

// Option configures a Client.
type Option func(*Client)

// WithFs sets the filesystem used for cookie and output checks.
func WithFs(fs afero.Fs) Option {
	return func(c *Client) { c.fs = fs }
}

// WithRateLimiter spaces out metadata queries.
func WithRateLimiter(rl *utils.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// Client runs yt-dlp.
type Client struct {
	cfg     Config
	runner  process.CommandRunner
	info    *cache.TTLCache[*types.VideoInfo]
	limiter *utils.RateLimiter
	fs      afero.Fs
	logger  hclog.Logger
}

// New creates a client. info caches metadata per URL.
func New(cfg Config, runner process.CommandRunner, info *cache.TTLCache[*types.VideoInfo], logger hclog.Logger, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.YtdlpPath == "" {
		cfg.YtdlpPath = def.YtdlpPath
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = def.DownloadsDir
	}
	if info == nil {
		info = cache.New[*types.VideoInfo](InfoTTL, nil)
	}

	c := &Client{
		cfg:    cfg,
		runner: runner,
		info:   info,
		fs:     afero.NewOsFs(),
		logger: logger.Named("ytdlp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OutputTemplate returns the yt-dlp output template for suffix.
func (c *Client) OutputTemplate(suffix string) string {
	return filepath.Join(c.cfg.DownloadsDir, "%(title)s_%(id)s"+suffix+".%(ext)s")
}

func (c *Client) cookieArgs(cookies string) []string {
	if cookies == "" {
		cookies = c.cfg.CookiesFile
	}
	if cookies == "" {
		return nil
	}
	if _, err := c.fs.Stat(cookies); err != nil {
		c.logger.Debug("cookies file not found, continuing without", "path", cookies)
		return nil
	}
	return []string{"--cookies", cookies}
}

// VideoInfo returns the metadata of url, served from cache within InfoTTL.
func (c *Client) VideoInfo(ctx context.Context, url string) (*types.VideoInfo, error) {
	if info, ok := c.info.Get(url); ok {
		return info, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, terrors.ClassifyFetchError("video_info", err, "")
		}
	}

	qctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	args := []string{"-J", "--skip-download", "--no-playlist", "--no-warnings"}
	args = append(args, c.cookieArgs("")...)
	args = append(args, url)

	out, err := c.runner.Run(qctx, c.cfg.YtdlpPath, args...)
	if err != nil {
		return nil, terrors.ClassifyFetchError("video_info", err, stderrOf(err))
	}

	info, err := ParseInfo(out)
	if err != nil {
		return nil, terrors.FetchFailure("video_info", err)
	}
	c.info.Set(url, info)
	return info, nil
}

// ParseInfo decodes the JSON document printed by `yt-dlp -J`.
func ParseInfo(out []byte) (*types.VideoInfo, error) {
	var info types.VideoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if info.Title == "" {
		info.Title = "Unknown"
	}
	return &info, nil
}

// Download fetches one rendition and returns the path yt-dlp wrote.
func (c *Client) Download(ctx context.Context, req Request) (string, error) {
	if req.URL == "" || req.Selector == "" {
		return "", terrors.ValidationError("download", terrors.ErrInvalidInput)
	}
	if err := c.fs.MkdirAll(c.cfg.DownloadsDir, 0o755); err != nil {
		return "", terrors.InternalError("download", err)
	}

	args := []string{
		"-f", req.Selector,
		"-o", c.OutputTemplate(req.Suffix),
		"--merge-output-format", "mp4",
		"--no-playlist",
		"--no-progress",
		"--print", "after_move:filepath",
	}
	args = append(args, c.cookieArgs(req.CookiesFile)...)
	args = append(args, req.URL)

	c.logger.Debug("downloading rendition", "url", req.URL, "selector", req.Selector, "suffix", req.Suffix)

	out, err := c.runner.Run(ctx, c.cfg.YtdlpPath, args...)
	if err != nil {
		c.removePartials(req)
		return "", terrors.ClassifyFetchError("download", err, stderrOf(err))
	}

	path := lastLine(string(out))
	if path == "" {
		return "", terrors.FetchFailure("download", errors.New("yt-dlp reported no output file"))
	}
	return path, nil
}

// removePartials deletes the intermediates a failed run leaves next to its
// output: .part and .ytdl files, fragment files and unmerged .fNNN streams.
// When the source ID is known only that source's files are considered.
func (c *Client) removePartials(req Request) {
	name := "*" + req.Suffix + ".*"
	if info, ok := c.info.Get(req.URL); ok && info != nil && info.ID != "" {
		name = "*_" + info.ID + req.Suffix + ".*"
	}
	matches, err := afero.Glob(c.fs, filepath.Join(c.cfg.DownloadsDir, name))
	if err != nil {
		c.logger.Debug("failed to list partial downloads", "pattern", name, "error", err)
		return
	}
	for _, m := range matches {
		if !IsPartial(m) {
			continue
		}
		if err := c.fs.Remove(m); err != nil {
			c.logger.Debug("failed to remove partial download", "path", m, "error", err)
			continue
		}
		c.logger.Debug("removed partial download", "path", m)
	}
}

var streamPart = regexp.MustCompile(`\.f\d+\.[[:alnum:]]+$`)

// IsPartial reports whether path is a yt-dlp intermediate rather than a
// finished download.
func IsPartial(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".part"), strings.HasSuffix(base, ".ytdl"), strings.HasSuffix(base, ".temp"):
		return true
	case strings.Contains(base, ".part-Frag"):
		return true
	}
	return streamPart.MatchString(base)
}

func stderrOf(err error) string {
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Stderr
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
