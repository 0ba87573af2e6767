package hardware

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/process/processtest"
)

const encodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_qsv             H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (Intel Quick Sync Video acceleration) (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`

func TestParseEncoders(t *testing.T) {
	enc := ParseEncoders([]byte(encodersOutput))

	assert.True(t, enc["libx264"])
	assert.True(t, enc["h264_nvenc"])
	assert.True(t, enc["h264_qsv"])
	assert.True(t, enc["aac"])
	assert.False(t, enc["h264_videotoolbox"])
	assert.False(t, enc["="])
}

func TestDetector_PriorityOrder(t *testing.T) {
	runner := processtest.NewFakeRunner(func(name string, args []string) processtest.Response {
		return processtest.Response{Output: []byte(encodersOutput)}
	})
	d := NewDetector(runner, "ffmpeg", hclog.NewNullLogger())

	info := d.Detect(context.Background())
	assert.True(t, info.Available)
	assert.Equal(t, []string{EncoderNVENC, EncoderQSV}, info.Encoders)

	best, ok := d.BestEncoder(context.Background())
	assert.True(t, ok)
	assert.Equal(t, EncoderNVENC, best)
}

func TestDetector_DetectsOncePerProcess(t *testing.T) {
	runner := processtest.NewFakeRunner(func(name string, args []string) processtest.Response {
		return processtest.Response{Output: []byte(" V....D h264_videotoolbox VideoToolbox H.264 Encoder (codec h264)\n")}
	})
	d := NewDetector(runner, "ffmpeg", hclog.NewNullLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc, ok := d.BestEncoder(context.Background())
			assert.True(t, ok)
			assert.Equal(t, EncoderVideoToolbox, enc)
		}()
	}
	wg.Wait()

	assert.Len(t, runner.Calls(), 1)
	assert.Equal(t, []string{"-hide_banner", "-encoders"}, runner.Calls()[0].Args)
}

func TestDetector_QueryFailureMeansSoftware(t *testing.T) {
	runner := processtest.NewFakeRunner(func(name string, args []string) processtest.Response {
		return processtest.Response{Err: errors.New("exec: \"ffmpeg\": executable file not found")}
	})
	d := NewDetector(runner, "ffmpeg", hclog.NewNullLogger())

	_, ok := d.BestEncoder(context.Background())
	assert.False(t, ok)
	assert.False(t, d.FFmpegAvailable(context.Background()))
}

func TestDetector_CancelledFirstCallerStillDetects(t *testing.T) {
	runner := processtest.NewFakeRunner(func(name string, args []string) processtest.Response {
		if len(args) > 0 && args[0] == "-version" {
			return processtest.Response{Output: []byte("ffmpeg version 6.1")}
		}
		return processtest.Response{Output: []byte(encodersOutput)}
	})
	d := NewDetector(runner, "ffmpeg", hclog.NewNullLogger())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	best, ok := d.BestEncoder(cancelled)
	assert.True(t, ok)
	assert.Equal(t, EncoderNVENC, best)
	assert.True(t, d.FFmpegAvailable(cancelled))

	best, ok = d.BestEncoder(context.Background())
	assert.True(t, ok)
	assert.Equal(t, EncoderNVENC, best)
	assert.Len(t, runner.Calls(), 2)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "NVIDIA NVENC", Describe(EncoderNVENC))
	assert.Equal(t, "h264_amf", Describe("h264_amf"))
}
