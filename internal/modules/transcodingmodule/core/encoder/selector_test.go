package encoder

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/hardware"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

type staticDetector struct {
	encoder string
}

func (d staticDetector) BestEncoder(context.Context) (string, bool) {
	return d.encoder, d.encoder != ""
}

func TestBuildCandidates_HardwareFirst(t *testing.T) {
	s := NewSelector(staticDetector{encoder: hardware.EncoderNVENC}, hclog.NewNullLogger())
	got := s.BuildCandidates(context.Background(), "hevc")

	require.Len(t, got, 8)
	for i, c := range got[:4] {
		assert.Equal(t, hardware.EncoderNVENC, c.Encoder)
		assert.True(t, c.IsHardware)
		assert.Equal(t, standardLadder[i], c.Preset)
		assert.Empty(t, c.Decoder)
	}
	for i, c := range got[4:] {
		assert.Equal(t, hardware.EncoderSoftware, c.Encoder)
		assert.False(t, c.IsHardware)
		assert.Equal(t, standardLadder[i], c.Preset)
	}
}

func TestBuildCandidates_HeavyDecode(t *testing.T) {
	s := NewSelector(staticDetector{encoder: hardware.EncoderQSV}, hclog.NewNullLogger())

	tests := []struct {
		codec   string
		decoder string
	}{
		{"av1", "libdav1d"},
		{"AV01", "libdav1d"},
		{"vp9", "libvpx-vp9"},
		{"vp09", "libvpx-vp9"},
	}
	for _, tt := range tests {
		t.Run(tt.codec, func(t *testing.T) {
			got := s.BuildCandidates(context.Background(), tt.codec)
			require.Len(t, got, 6)
			assert.Equal(t, hardware.EncoderQSV, got[0].Encoder)
			assert.Equal(t, hardware.EncoderSoftware, got[5].Encoder)
			assert.Equal(t, []string{"veryfast", "fast", "medium"}, []string{got[3].Preset, got[4].Preset, got[5].Preset})
			for _, c := range got {
				assert.Equal(t, tt.decoder, c.Decoder)
			}
		})
	}
}

func TestBuildCandidates_SoftwareOnly(t *testing.T) {
	for _, s := range []*Selector{
		NewSelector(nil, hclog.NewNullLogger()),
		NewSelector(staticDetector{}, hclog.NewNullLogger()),
	} {
		got := s.BuildCandidates(context.Background(), "mpeg4")
		require.Len(t, got, 4)
		assert.Equal(t, "libx264", got[0].Encoder)
		assert.Equal(t, PresetVeryFast, got[0].Preset)
		assert.Equal(t, PresetSlow, got[3].Preset)
	}
}

func TestParams(t *testing.T) {
	tests := []struct {
		name string
		c    types.EncodeCandidate
		crf  int
		want []string
	}{
		{"nvenc veryfast", types.EncodeCandidate{Encoder: "h264_nvenc", Preset: "veryfast"}, 0,
			[]string{"-preset", "p1", "-rc", "vbr", "-cq", "23", "-b:v", "0"}},
		{"nvenc slow", types.EncodeCandidate{Encoder: "h264_nvenc", Preset: "slow"}, 0,
			[]string{"-preset", "p6", "-rc", "vbr", "-cq", "23", "-b:v", "0"}},
		{"nvenc unknown preset", types.EncodeCandidate{Encoder: "h264_nvenc", Preset: "ultrafast"}, 0,
			[]string{"-preset", "p4", "-rc", "vbr", "-cq", "23", "-b:v", "0"}},
		{"qsv", types.EncodeCandidate{Encoder: "h264_qsv", Preset: "fast"}, 0,
			[]string{"-preset", "fast", "-global_quality", "23"}},
		{"videotoolbox", types.EncodeCandidate{Encoder: "h264_videotoolbox", Preset: "medium"}, 0,
			[]string{"-quality", "1", "-allow_sw", "1"}},
		{"software default crf", types.EncodeCandidate{Encoder: "libx264", Preset: "fast"}, 0,
			[]string{"-preset", "fast", "-crf", "23"}},
		{"software custom crf", types.EncodeCandidate{Encoder: "libx264", Preset: "slow"}, 28,
			[]string{"-preset", "slow", "-crf", "28"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Params(tt.c, tt.crf))
		})
	}
}

func TestRegister(t *testing.T) {
	Register("h264_amf", func(c types.EncodeCandidate, _ int) []string {
		return []string{"-quality", c.Preset}
	})
	t.Cleanup(func() {
		buildersMu.Lock()
		delete(builders, "h264_amf")
		buildersMu.Unlock()
	})

	assert.Equal(t, []string{"-quality", "fast"}, Params(types.EncodeCandidate{Encoder: "h264_amf", Preset: "fast"}, 0))
}
