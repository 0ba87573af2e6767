// Package encoder builds the ordered list of (encoder, preset) candidates the
// transcoder walks, and translates each candidate into ffmpeg arguments.
package encoder

import (
	"context"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/hardware"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// Presets, fastest first.
const (
	PresetVeryFast = "veryfast"
	PresetFast     = "fast"
	PresetMedium   = "medium"
	PresetSlow     = "slow"
)

var (
	standardLadder = []string{PresetVeryFast, PresetFast, PresetMedium, PresetSlow}
	heavyLadder    = []string{PresetVeryFast, PresetFast, PresetMedium}
)

// heavyDecoders maps next-generation source codecs to the decoder that
// handles them.
var heavyDecoders = map[string]string{
	"av1":  "libdav1d",
	"av01": "libdav1d",
	"vp9":  "libvpx-vp9",
	"vp09": "libvpx-vp9",
}

// IsHeavyDecode reports whether codec needs a specialized decoder and the
// longer timeout budget.
func IsHeavyDecode(codec string) bool {
	_, ok := heavyDecoders[strings.ToLower(strings.TrimSpace(codec))]
	return ok
}

// DecoderFor returns the specialized decoder for codec, or "".
func DecoderFor(codec string) string {
	return heavyDecoders[strings.ToLower(strings.TrimSpace(codec))]
}

// PresetLadder returns the presets to try for a source codec, fastest first.
func PresetLadder(codec string) []string {
	if IsHeavyDecode(codec) {
		return append([]string(nil), heavyLadder...)
	}
	return append([]string(nil), standardLadder...)
}

// HardwareDetector reports the preferred hardware encoder.
type HardwareDetector interface {
	BestEncoder(ctx context.Context) (string, bool)
}

// Selector produces candidate ladders.
type Selector struct {
	detector HardwareDetector
	logger   hclog.Logger
}

// NewSelector creates a selector. A nil detector means software only.
func NewSelector(detector HardwareDetector, logger hclog.Logger) *Selector {
	return &Selector{detector: detector, logger: logger.Named("encoder")}
}

// BuildCandidates returns the candidate ladder for a source video codec.
// Hardware comes before software and, within an encoder, presets run
// fastest first.
func (s *Selector) BuildCandidates(ctx context.Context, sourceVideoCodec string) []types.EncodeCandidate {
	encoders := make([]string, 0, 2)
	if s.detector != nil {
		if hw, ok := s.detector.BestEncoder(ctx); ok {
			encoders = append(encoders, hw)
		}
	}
	encoders = append(encoders, hardware.EncoderSoftware)

	ladder := PresetLadder(sourceVideoCodec)
	decoder := DecoderFor(sourceVideoCodec)

	candidates := make([]types.EncodeCandidate, 0, len(encoders)*len(ladder))
	for _, enc := range encoders {
		for _, preset := range ladder {
			candidates = append(candidates, types.EncodeCandidate{
				Encoder:     enc,
				IsHardware:  enc != hardware.EncoderSoftware,
				Description: hardware.Describe(enc),
				Preset:      preset,
				Decoder:     decoder,
			})
		}
	}

	s.logger.Debug("built encode candidates",
		"source_codec", sourceVideoCodec,
		"encoders", strings.Join(encoders, ","),
		"count", len(candidates))
	return candidates
}
