package compress

// crfKbps approximates the video bitrate libx264 produces at a given CRF.
var crfKbps = map[int]int{
	23: 2000, 24: 1800, 25: 1700, 26: 1600, 27: 1500,
	28: 1400, 29: 1300, 30: 1200, 31: 1100, 32: 1000,
	33: 900, 34: 800, 35: 700, 36: 600, 37: 500,
}

const (
	unknownCRFKbps    = 1500
	estimateAudioKbps = 128
	unknownSizeFactor = 0.8
)

// EstimateConvertedSize predicts the size in MB of converting a file of
// inputMB and duration seconds at crf, optionally scaled to scaleHeight
// (0 keeps the resolution). Without a duration it assumes 80% of the input.
func EstimateConvertedSize(inputMB, duration float64, crf, scaleHeight int) float64 {
	if duration <= 0 {
		return inputMB * unknownSizeFactor
	}
	kbps, ok := crfKbps[crf]
	if !ok {
		kbps = unknownCRFKbps
	}
	if scaleHeight > 0 {
		switch {
		case scaleHeight <= 720:
			kbps = int(float64(kbps) * 0.6)
		case scaleHeight <= 960:
			kbps = int(float64(kbps) * 0.75)
		case scaleHeight <= 1280:
			kbps = int(float64(kbps) * 0.9)
		}
	}
	return float64(kbps+estimateAudioKbps) * duration / (8 * 1024)
}
