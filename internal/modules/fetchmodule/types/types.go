// Package types defines the data model of the fetch module: quality targets,
// remote metadata and download outcomes.
package types

import (
	"fmt"
	"strings"
	"time"
)

const bytesPerMB = 1024 * 1024

// HeightRange is an inclusive range of video heights in pixels.
type HeightRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// IsZero reports whether the range is unset.
func (r HeightRange) IsZero() bool { return r.Min == 0 && r.Max == 0 }

// Contains reports whether h lies within the range.
func (r HeightRange) Contains(h int) bool {
	return h >= r.Min && (r.Max == 0 || h <= r.Max)
}

// Filter renders the range as a yt-dlp format filter.
func (r HeightRange) Filter() string {
	if r.IsZero() {
		return ""
	}
	f := fmt.Sprintf("[height>=%d]", r.Min)
	if r.Max > 0 {
		f += fmt.Sprintf("[height<=%d]", r.Max)
	}
	return f
}

// QualityTarget selects a rendition either by height range, by maximum
// size, or both.
type QualityTarget struct {
	Name     string      `json:"name"`
	Height   HeightRange `json:"height"`
	MaxBytes int64       `json:"max_bytes,omitempty"`
	// Suffix is appended to the downloaded file name.
	Suffix string `json:"suffix"`
}

func (q QualityTarget) filter() string {
	f := q.Height.Filter()
	if q.MaxBytes > 0 {
		f += fmt.Sprintf("[filesize<=?%d]", q.MaxBytes)
	}
	return f
}

// CompatibleSelector prefers H.264 in MP4 with AAC audio, then any video and
// audio pair. Every alternative requires an audio stream; video-only
// matches are never accepted.
func (q QualityTarget) CompatibleSelector() string {
	f := q.filter()
	return strings.Join([]string{
		"bv*" + f + "[vcodec^=avc1][ext=mp4]+ba*[ext=m4a]",
		"bv*" + f + "[vcodec^=avc1][ext=mp4]+ba*[acodec^=mp4a]",
		"bv*" + f + "+ba",
		"bestvideo" + f + "+bestaudio",
	}, "/")
}

// AnyCodecSelector accepts any codec in range, still requiring audio.
func (q QualityTarget) AnyCodecSelector() string {
	f := q.filter()
	return "bv*" + f + "+ba/bestvideo" + f + "+bestaudio"
}

// Selectors returns the ordered selector chain for the target.
func (q QualityTarget) Selectors() []string {
	return []string{q.CompatibleSelector(), q.AnyCodecSelector()}
}

// Matches reports whether a remote format satisfies the target.
func (q QualityTarget) Matches(f Format) bool {
	if !f.HasVideo() {
		return false
	}
	if !q.Height.IsZero() && !q.Height.Contains(f.Height) {
		return false
	}
	if q.MaxBytes > 0 {
		if size := f.Size(); size > 0 && size > float64(q.MaxBytes) {
			return false
		}
	}
	return true
}

// Rendition suffixes.
const (
	SuffixPrimary       = "_1080ish"
	SuffixSecondaryTemp = "_720ish_temp"
	SuffixCompressed    = "_720ish_or_70mb"
)

// Default targets of a dual fetch.
var (
	PrimaryTarget = QualityTarget{Name: "1080ish", Height: HeightRange{Min: 930, Max: 1230}, Suffix: SuffixPrimary}
	MediumTarget  = QualityTarget{Name: "720ish", Height: HeightRange{Min: 570, Max: 870}, Suffix: SuffixSecondaryTemp}
)

// TierTarget returns a step-down target centred on height.
func TierTarget(height, tolerance int) QualityTarget {
	return QualityTarget{
		Name:   fmt.Sprintf("%dp", height),
		Height: HeightRange{Min: height - tolerance, Max: height + tolerance},
		Suffix: SuffixSecondaryTemp,
	}
}

// SingleQualities maps single-download quality names to a maximum height.
var SingleQualities = map[string]int{
	"4k":     2160,
	"2160p":  2160,
	"1440p":  1440,
	"2k":     1440,
	"1080p":  1080,
	"720p":   720,
	"mobile": 720,
}

// SingleSelector returns the selector of a single-quality download.
func SingleSelector(maxHeight int) string {
	return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", maxHeight, maxHeight)
}

// Format is one downloadable variant reported by the remote source.
type Format struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Height         int     `json:"height"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
}

// HasVideo reports whether the format carries a video stream.
func (f Format) HasVideo() bool {
	if f.VCodec == "none" {
		return false
	}
	return f.VCodec != "" || f.Height > 0
}

// Size returns the larger of the exact and approximate size in bytes.
func (f Format) Size() float64 {
	if f.FilesizeApprox > f.Filesize {
		return f.FilesizeApprox
	}
	return f.Filesize
}

// VideoInfo is the metadata of a remote source.
type VideoInfo struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Duration  float64  `json:"duration"`
	Uploader  string   `json:"uploader"`
	ViewCount int64    `json:"view_count"`
	Thumbnail string   `json:"thumbnail"`
	Formats   []Format `json:"formats,omitempty"`
}

// FetchAttempt records one try at downloading a rendition.
type FetchAttempt struct {
	Rendition string        `json:"rendition"`
	Attempt   int           `json:"attempt"`
	Selector  string        `json:"selector"`
	Timeout   time.Duration `json:"timeout"`
	// Backoff is the delay scheduled after this attempt failed. The delay
	// after the final attempt is recorded but never taken.
	Backoff     time.Duration `json:"backoff,omitempty"`
	Err         string        `json:"error,omitempty"`
	RateLimited bool          `json:"rate_limited,omitempty"`
}

// DownloadResult is the outcome of a fetch. The caller owns both paths.
type DownloadResult struct {
	PrimaryPath   string         `json:"primary_path"`
	SecondaryPath string         `json:"secondary_path,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	Attempts      []FetchAttempt `json:"attempts,omitempty"`
}

// HasSecondary reports whether a secondary rendition was produced.
func (r *DownloadResult) HasSecondary() bool {
	return r != nil && r.SecondaryPath != ""
}

// BytesToMB converts a byte count to mebibytes.
func BytesToMB(n int64) float64 {
	return float64(n) / bytesPerMB
}
