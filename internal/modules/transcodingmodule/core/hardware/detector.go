// Package hardware detects which H.264 hardware encoders the local ffmpeg
// build exposes. Detection runs once per process; the answer cannot change
// while the process lives.
package hardware

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/process"
)

// Known encoder identifiers.
const (
	EncoderNVENC        = "h264_nvenc"
	EncoderQSV          = "h264_qsv"
	EncoderVideoToolbox = "h264_videotoolbox"
	EncoderSoftware     = "libx264"
)

// PriorityOrder lists hardware encoders from most to least preferred.
var PriorityOrder = []string{EncoderNVENC, EncoderQSV, EncoderVideoToolbox}

var descriptions = map[string]string{
	EncoderNVENC:        "NVIDIA NVENC",
	EncoderQSV:          "Intel Quick Sync Video",
	EncoderVideoToolbox: "Apple VideoToolbox",
	EncoderSoftware:     "Software CPU Encoding (libx264)",
}

// Describe returns a human-readable name for an encoder.
func Describe(encoder string) string {
	if d, ok := descriptions[encoder]; ok {
		return d
	}
	return encoder
}

// detectTimeout bounds the capability query.
const detectTimeout = 10 * time.Second

// HardwareInfo contains information about available hardware acceleration
type HardwareInfo struct {
	Available bool
	// Encoders holds every detected hardware encoder in priority order.
	Encoders []string
}

// Best returns the preferred hardware encoder, if any.
func (h *HardwareInfo) Best() (string, bool) {
	if h == nil || len(h.Encoders) == 0 {
		return "", false
	}
	return h.Encoders[0], true
}

// Detector detects available hardware acceleration
type Detector struct {
	runner     process.CommandRunner
	ffmpegPath string
	logger     hclog.Logger

	detectOnce sync.Once
	hwInfo     *HardwareInfo

	ffmpegOnce      sync.Once
	ffmpegAvailable bool
}

// NewDetector creates a new hardware detector
func NewDetector(runner process.CommandRunner, ffmpegPath string, logger hclog.Logger) *Detector {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
		if customPath := os.Getenv("FFMPEG_PATH"); customPath != "" {
			ffmpegPath = customPath
		}
	}
	return &Detector{
		runner:     runner,
		ffmpegPath: ffmpegPath,
		logger:     logger.Named("hardware"),
	}
}

// Detect queries ffmpeg's encoder list on first use and caches the result
// for the lifetime of the process. The query ignores cancellation of ctx so
// an aborted first caller cannot fix the answer at software encoding; it is
// bounded by detectTimeout instead.
func (d *Detector) Detect(ctx context.Context) *HardwareInfo {
	d.detectOnce.Do(func() {
		d.hwInfo = d.detect(context.WithoutCancel(ctx))
	})
	return d.hwInfo
}

// BestEncoder returns the preferred hardware encoder when one is available.
func (d *Detector) BestEncoder(ctx context.Context) (string, bool) {
	return d.Detect(ctx).Best()
}

func (d *Detector) detect(ctx context.Context) *HardwareInfo {
	hwInfo := &HardwareInfo{}

	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	d.logger.Info("detecting hardware acceleration capabilities")
	output, err := d.runner.Run(ctx, d.ffmpegPath, "-hide_banner", "-encoders")
	if err != nil {
		d.logger.Warn("encoder query failed, using software encoding", "error", err)
		return hwInfo
	}

	listed := ParseEncoders(output)
	for _, enc := range PriorityOrder {
		if listed[enc] {
			hwInfo.Encoders = append(hwInfo.Encoders, enc)
		}
	}
	hwInfo.Available = len(hwInfo.Encoders) > 0

	if best, ok := hwInfo.Best(); ok {
		d.logger.Info("hardware encoder detected", "encoder", best, "name", Describe(best))
	} else {
		d.logger.Info("no hardware encoder detected, using software encoding")
	}
	return hwInfo
}

// FFmpegAvailable reports whether ffmpeg can be executed. Checked once.
func (d *Detector) FFmpegAvailable(ctx context.Context) bool {
	d.ffmpegOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detectTimeout)
		defer cancel()
		_, err := d.runner.Run(ctx, d.ffmpegPath, "-version")
		d.ffmpegAvailable = err == nil
		if err != nil {
			d.logger.Error("ffmpeg not available", "path", d.ffmpegPath, "error", err)
		}
	})
	return d.ffmpegAvailable
}

// ParseEncoders extracts encoder names from `ffmpeg -encoders` output.
// Encoder lines look like " V....D h264_nvenc   NVIDIA NVENC H.264 encoder".
func ParseEncoders(output []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || len(fields[0]) != 6 || strings.Trim(fields[0], ".") == "=" {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}
