// Package types defines the shared data model of the transcoding module.
// These types are used across the probe, encoder, transcoder and compressor
// packages and by the fetch module that drives them.
package types

import (
	"strings"
	"time"
)

const bytesPerMB = 1024 * 1024

// MediaAsset describes a probed media file. Width and Height are always in
// display orientation. An asset is never mutated; re-probing after a
// transcode produces a new one.
type MediaAsset struct {
	Path       string  `json:"path"`
	VideoCodec string  `json:"video_codec"`
	VideoTag   string  `json:"video_tag"`
	AudioCodec string  `json:"audio_codec"`
	AudioTag   string  `json:"audio_tag"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Rotation   int     `json:"rotation"`
	Rotated    bool    `json:"rotated"`
	Duration   float64 `json:"duration"` // seconds, 0 when unknown
	Size       int64   `json:"size"`     // bytes
}

// SizeMB returns the file size in mebibytes.
func (a *MediaAsset) SizeMB() float64 {
	return float64(a.Size) / bytesPerMB
}

// HasAudio reports whether an audio codec was identified.
func (a *MediaAsset) HasAudio() bool {
	return strings.TrimSpace(a.AudioCodec) != ""
}

// CompatibilityVerdict is the derived answer of the compatibility policy.
type CompatibilityVerdict struct {
	VideoCompatible bool   `json:"video_compatible"`
	AudioCompatible bool   `json:"audio_compatible"`
	VideoCodec      string `json:"video_codec"`
	VideoTag        string `json:"video_tag"`
	AudioCodec      string `json:"audio_codec"`
	AudioTag        string `json:"audio_tag"`
}

// Compatible is true when neither stream needs re-encoding.
func (v CompatibilityVerdict) Compatible() bool {
	return v.VideoCompatible && v.AudioCompatible
}

// NeedsVideo reports whether the video stream must be re-encoded.
func (v CompatibilityVerdict) NeedsVideo() bool { return !v.VideoCompatible }

// NeedsAudio reports whether the audio stream must be re-encoded.
func (v CompatibilityVerdict) NeedsAudio() bool { return !v.AudioCompatible }

// EncodeCandidate is one (encoder, preset) pair the transcoder may attempt.
type EncodeCandidate struct {
	Encoder     string `json:"encoder"`
	IsHardware  bool   `json:"is_hardware"`
	Description string `json:"description"`
	Preset      string `json:"preset"`
	// Decoder forces a specialized input decoder for heavy-decode sources.
	Decoder string `json:"decoder,omitempty"`
}

func (c EncodeCandidate) String() string {
	return c.Encoder + "/" + c.Preset
}

// EncodeAttemptResult records the outcome of trying one candidate.
type EncodeAttemptResult struct {
	Candidate  EncodeCandidate `json:"candidate"`
	Success    bool            `json:"success"`
	OutputPath string          `json:"output_path,omitempty"`
	Err        string          `json:"error,omitempty"`
	Elapsed    time.Duration   `json:"elapsed"`
	Retry      bool            `json:"retry"`
}

// ProgressUpdate is one progress event of a running encode.
type ProgressUpdate struct {
	Percent        int     `json:"percent"`
	CurrentSeconds float64 `json:"current_seconds"`
	ETASeconds     float64 `json:"eta_seconds"`
	Stage          int     `json:"stage"`
}
