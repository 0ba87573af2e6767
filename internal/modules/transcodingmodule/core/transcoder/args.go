package transcoder

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/encoder"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// Audio parameters of every re-encoded audio stream.
const (
	AudioCodec      = "aac"
	AudioSampleRate = "44100"
	AudioChannels   = "2"
)

// passLogFiles are the statistics files a two-pass libx264 encode leaves
// behind under its default log prefix.
var passLogFiles = []string{"ffmpeg2pass-0.log", "ffmpeg2pass-0.log.mbtree"}

// Spec describes one ffmpeg invocation.
type Spec struct {
	Input        string
	Output       string
	Candidate    types.EncodeCandidate
	Verdict      types.CompatibilityVerdict
	Threads      int
	CRF          int
	AudioBitrate string
}

// BuildArgs renders the ffmpeg arguments for s. A stream that is already
// compatible is copied, never re-encoded.
func BuildArgs(s Spec) []string {
	args := []string{"-hide_banner"}
	if s.Verdict.NeedsVideo() && s.Candidate.Decoder != "" {
		args = append(args, "-c:v", s.Candidate.Decoder)
	}
	args = append(args, "-i", s.Input)
	if s.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(s.Threads))
	}

	if s.Verdict.NeedsVideo() {
		args = append(args, "-c:v", s.Candidate.Encoder)
		args = append(args, encoder.Params(s.Candidate, s.CRF)...)
		args = append(args, "-pix_fmt", "yuv420p")
	} else {
		args = append(args, "-c:v", "copy")
	}

	if s.Verdict.NeedsAudio() {
		bitrate := s.AudioBitrate
		if bitrate == "" {
			bitrate = "128k"
		}
		args = append(args, "-c:a", AudioCodec, "-b:a", bitrate, "-ar", AudioSampleRate, "-ac", AudioChannels)
	} else {
		args = append(args, "-c:a", "copy")
	}

	return append(args, "-movflags", "+faststart", "-y", s.Output)
}

func trimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// OutputPath returns where a conversion of input is written.
func OutputPath(input string) string {
	return trimExt(input) + "_compatible.mp4"
}

// RetryOutputPath returns where the same-encoder retry writes before it is
// moved onto OutputPath.
func RetryOutputPath(input string) string {
	return trimExt(input) + "_compatible_retry.mp4"
}
