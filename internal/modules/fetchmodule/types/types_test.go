package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrimarySelectors(t *testing.T) {
	sel := PrimaryTarget.Selectors()

	assert.Equal(t,
		"bv*[height>=930][height<=1230][vcodec^=avc1][ext=mp4]+ba*[ext=m4a]/"+
			"bv*[height>=930][height<=1230][vcodec^=avc1][ext=mp4]+ba*[acodec^=mp4a]/"+
			"bv*[height>=930][height<=1230]+ba/"+
			"bestvideo[height>=930][height<=1230]+bestaudio",
		sel[0])
	assert.Equal(t, "bv*[height>=930][height<=1230]+ba/bestvideo[height>=930][height<=1230]+bestaudio", sel[1])
}

func TestTierTarget(t *testing.T) {
	tier := TierTarget(480, 50)
	assert.Equal(t, HeightRange{Min: 430, Max: 530}, tier.Height)
	assert.Equal(t, SuffixSecondaryTemp, tier.Suffix)
	assert.Contains(t, tier.CompatibleSelector(), "[height>=430][height<=530]")
}

func TestQualityTargetMatches(t *testing.T) {
	tests := []struct {
		name   string
		target QualityTarget
		format Format
		want   bool
	}{
		{"in range", MediumTarget, Format{VCodec: "avc1.4d401f", Height: 720}, true},
		{"below range", MediumTarget, Format{VCodec: "avc1", Height: 480}, false},
		{"audio only", MediumTarget, Format{VCodec: "none", ACodec: "mp4a.40.2"}, false},
		{"height without codec", MediumTarget, Format{Height: 720}, true},
		{"size cap", QualityTarget{MaxBytes: 1000}, Format{VCodec: "vp9", Height: 360, Filesize: 2000}, false},
		{"size unknown passes cap", QualityTarget{MaxBytes: 1000}, Format{VCodec: "vp9", Height: 360}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.target.Matches(tt.format))
		})
	}
}

func TestSizeOnlySelector(t *testing.T) {
	q := QualityTarget{MaxBytes: 73400320}
	assert.Equal(t, "bv*[filesize<=?73400320]+ba/bestvideo[filesize<=?73400320]+bestaudio", q.AnyCodecSelector())
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, 300.0, Format{Filesize: 100, FilesizeApprox: 300}.Size())
	assert.Equal(t, 100.0, Format{Filesize: 100}.Size())
}

func TestSingleSelector(t *testing.T) {
	assert.Equal(t, "bestvideo[height<=720]+bestaudio/best[height<=720]", SingleSelector(SingleQualities["720p"]))
	assert.Equal(t, 2160, SingleQualities["4k"])
}
