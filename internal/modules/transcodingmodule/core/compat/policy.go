// Package compat decides whether probed streams already satisfy the delivery
// target. It is a pure function of codec names and container tags.
package compat

import (
	"strings"

	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// Target names the delivery codec family by stream codec and container tag.
type Target struct {
	VideoCodec string
	VideoTag   string
	AudioCodec string
	AudioTag   string
}

// DefaultTarget is H.264 video with AAC audio.
var DefaultTarget = Target{
	VideoCodec: "h264",
	VideoTag:   "avc1",
	AudioCodec: "aac",
	AudioTag:   "mp4a",
}

// Policy evaluates compatibility against a Target. Container metadata and the
// stream codec can disagree, so either signal is accepted.
type Policy struct {
	target Target
}

// NewPolicy returns a policy for target.
func NewPolicy(target Target) *Policy {
	return &Policy{target: target}
}

// Default returns the H.264 + AAC policy.
func Default() *Policy {
	return NewPolicy(DefaultTarget)
}

// IsCompatible returns the verdict for a codec/tag pair per stream.
func (p *Policy) IsCompatible(videoCodec, videoTag, audioCodec, audioTag string) types.CompatibilityVerdict {
	return types.CompatibilityVerdict{
		VideoCompatible: p.videoOK(videoCodec, videoTag),
		AudioCompatible: p.audioOK(audioCodec, audioTag),
		VideoCodec:      videoCodec,
		VideoTag:        videoTag,
		AudioCodec:      audioCodec,
		AudioTag:        audioTag,
	}
}

// Check evaluates a probed asset.
func (p *Policy) Check(asset *types.MediaAsset) types.CompatibilityVerdict {
	return p.IsCompatible(asset.VideoCodec, asset.VideoTag, asset.AudioCodec, asset.AudioTag)
}

func (p *Policy) videoOK(codec, tag string) bool {
	if strings.EqualFold(strings.TrimSpace(codec), p.target.VideoCodec) {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(tag)), strings.ToLower(p.target.VideoTag))
}

func (p *Policy) audioOK(codec, tag string) bool {
	if strings.EqualFold(strings.TrimSpace(codec), p.target.AudioCodec) {
		return true
	}
	t := strings.ToLower(strings.TrimSpace(tag))
	return t != "" && strings.Contains(t, strings.ToLower(p.target.AudioTag))
}
