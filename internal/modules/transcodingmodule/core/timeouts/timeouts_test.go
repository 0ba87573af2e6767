package timeouts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDownload(t *testing.T) {
	assert.Equal(t, 900*time.Second, Download(10))
	assert.Equal(t, 900*time.Second, Download(200))
	assert.Equal(t, 2700*time.Second, Download(600))
}

func TestConversion(t *testing.T) {
	tests := []struct {
		name  string
		size  float64
		codec string
		want  time.Duration
	}{
		{"light minimum", 50, "h264", 1350 * time.Second},
		{"heavy minimum", 50, "av1", 1350 * time.Second},
		{"light large", 1000, "hevc", 3600 * time.Second},
		{"heavy large", 1000, "vp9", 7200 * time.Second},
		{"heavy by substring", 1000, "libdav1d av01", 7200 * time.Second},
		{"unknown codec", 1000, "", 3600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Conversion(tt.size, tt.codec))
		})
	}
}

func TestFetch(t *testing.T) {
	// 600 MB: download 2700s, heavy conversion 4320s, total * 1.5
	assert.Equal(t, 10530*time.Second, Fetch(nil))

	small := 50.0
	assert.Equal(t, time.Duration(float64(900+1350)*1.5)*time.Second, Fetch(&small))

	zero := 0.0
	assert.Equal(t, Fetch(nil), Fetch(&zero))
}
