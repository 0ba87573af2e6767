package encoder

import (
	"strconv"
	"sync"

	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/hardware"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// DefaultCRF is the constant-rate-factor used by software encodes.
const DefaultCRF = 23

// ParamBuilder renders the encoder-specific arguments that follow
// "-c:v <encoder>".
type ParamBuilder func(c types.EncodeCandidate, crf int) []string

var (
	buildersMu sync.RWMutex
	builders   = map[string]ParamBuilder{
		hardware.EncoderNVENC:        nvencParams,
		hardware.EncoderQSV:          qsvParams,
		hardware.EncoderVideoToolbox: videoToolboxParams,
		hardware.EncoderSoftware:     softwareParams,
	}
)

// Register installs or replaces the builder for an encoder.
func Register(encoder string, b ParamBuilder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[encoder] = b
}

// Params returns the arguments for candidate c. Encoders without a
// registered builder fall back to the software parameter set.
func Params(c types.EncodeCandidate, crf int) []string {
	if crf <= 0 {
		crf = DefaultCRF
	}
	buildersMu.RLock()
	b, ok := builders[c.Encoder]
	buildersMu.RUnlock()
	if !ok {
		b = softwareParams
	}
	return b(c, crf)
}

var nvencPresets = map[string]string{
	PresetVeryFast: "p1",
	PresetFast:     "p3",
	PresetMedium:   "p4",
	PresetSlow:     "p6",
}

func nvencParams(c types.EncodeCandidate, _ int) []string {
	preset, ok := nvencPresets[c.Preset]
	if !ok {
		preset = "p4"
	}
	return []string{"-preset", preset, "-rc", "vbr", "-cq", "23", "-b:v", "0"}
}

func qsvParams(c types.EncodeCandidate, _ int) []string {
	return []string{"-preset", c.Preset, "-global_quality", "23"}
}

func videoToolboxParams(types.EncodeCandidate, int) []string {
	return []string{"-quality", "1", "-allow_sw", "1"}
}

func softwareParams(c types.EncodeCandidate, crf int) []string {
	return []string{"-preset", c.Preset, "-crf", strconv.Itoa(crf)}
}
