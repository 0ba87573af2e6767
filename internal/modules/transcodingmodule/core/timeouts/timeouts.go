// Package timeouts computes wall-clock budgets for downloads and conversions
// from the size of the file involved.
package timeouts

import (
	"strings"
	"time"
)

const (
	downloadSecondsPer100MB   = 300
	downloadMinimumSeconds    = 600
	heavyConvertSecondsPer100 = 480
	lightConvertSecondsPer100 = 240
	convertMinimumSeconds     = 900

	margin = 1.5

	// AssumedSizeMB stands in for the size of a rendition nobody could
	// estimate.
	AssumedSizeMB = 600
	// AssumedCodec is the codec fetch budgets are sized for.
	AssumedCodec = "av1"
)

var heavyCodecs = []string{"av1", "av01", "vp9", "vp09"}

func isHeavy(codec string) bool {
	if codec == "" {
		return false
	}
	lower := strings.ToLower(codec)
	for _, c := range heavyCodecs {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// Download returns the budget for transferring sizeMB.
func Download(sizeMB float64) time.Duration {
	secs := int(sizeMB / 100 * downloadSecondsPer100MB)
	if secs < downloadMinimumSeconds {
		secs = downloadMinimumSeconds
	}
	return seconds(int(float64(secs) * margin))
}

// Conversion returns the budget for converting sizeMB of sourceCodec video
// to H.264.
func Conversion(sizeMB float64, sourceCodec string) time.Duration {
	rate := lightConvertSecondsPer100
	if isHeavy(sourceCodec) {
		rate = heavyConvertSecondsPer100
	}
	secs := int(sizeMB / 100 * float64(rate))
	if secs < convertMinimumSeconds {
		secs = convertMinimumSeconds
	}
	return seconds(int(float64(secs) * margin))
}

// Fetch returns the budget for one fetch attempt: download plus a worst-case
// conversion, with another safety margin on top. A nil estimate uses
// AssumedSizeMB.
func Fetch(estimateMB *float64) time.Duration {
	size := float64(AssumedSizeMB)
	if estimateMB != nil && *estimateMB > 0 {
		size = *estimateMB
	}
	total := Download(size) + Conversion(size, AssumedCodec)
	return time.Duration(float64(total) * margin)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
