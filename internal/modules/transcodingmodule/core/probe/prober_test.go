package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/mediarelay/internal/cache"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/process/processtest"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
)

type streams struct {
	video  string
	audio  string
	format string
	err    error
}

func ffprobeHandler(s streams) processtest.Handler {
	return func(name string, args []string) processtest.Response {
		if s.err != nil {
			return processtest.Response{Err: s.err}
		}
		switch {
		case processtest.ArgAfter(args, "-select_streams") == "v:0":
			return processtest.Response{Output: []byte(s.video)}
		case processtest.ArgAfter(args, "-select_streams") == "a:0":
			return processtest.Response{Output: []byte(s.audio)}
		default:
			return processtest.Response{Output: []byte(s.format)}
		}
	}
}

func newTestProber(t *testing.T, h processtest.Handler) (*Prober, *processtest.FakeRunner, *cache.FakeClock, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/downloads/clip.mp4", make([]byte, 2048), 0o644))

	clock := cache.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	runner := processtest.NewFakeRunner(h)
	p := NewProber(runner, cache.New[Fields](5*time.Minute, clock), hclog.NewNullLogger(), WithFs(fs))
	return p, runner, clock, fs
}

func TestParseFields(t *testing.T) {
	out := []byte("codec_name=h264\ncodec_tag_string=avc1\nwidth=1080\nheight=1920\nTAG:rotate=90\nside_data_type=Display Matrix\nrotation=-90\nduration=N/A\ncodec_name=aac\n")
	f := ParseFields(out)

	assert.Equal(t, "h264", f["codec_name"], "first occurrence wins")
	assert.Equal(t, "avc1", f["codec_tag_string"])
	assert.Equal(t, "90", f["rotate"])
	assert.Equal(t, "-90", f["rotation"])
	_, hasDuration := f["duration"]
	assert.False(t, hasDuration)
}

func TestProbe_RotationSwapsDimensions(t *testing.T) {
	p, _, _, _ := newTestProber(t, ffprobeHandler(streams{
		video:  "codec_name=h264\ncodec_tag_string=avc1\nwidth=1080\nheight=1920\nTAG:rotate=90\n",
		audio:  "codec_name=aac\ncodec_tag_string=mp4a\n",
		format: "duration=12.480000\n",
	}))

	asset, err := p.Probe(context.Background(), "/downloads/clip.mp4")
	require.NoError(t, err)

	assert.Equal(t, 1920, asset.Width)
	assert.Equal(t, 1080, asset.Height)
	assert.True(t, asset.Rotated)
	assert.Equal(t, 90, asset.Rotation)
	assert.InDelta(t, 12.48, asset.Duration, 0.0001)
	assert.Equal(t, int64(2048), asset.Size)
	assert.Equal(t, "aac", asset.AudioCodec)
}

func TestProbe_SideDataRotation(t *testing.T) {
	tests := []struct {
		name     string
		rotation string
		want     int
		swapped  bool
	}{
		{"minus 90", "-90", 270, true},
		{"270", "270", 270, true},
		{"180", "180", 180, false},
		{"minus 180", "-180", 180, false},
		{"zero", "0", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _, _ := newTestProber(t, ffprobeHandler(streams{
				video: "codec_name=hevc\nwidth=1920\nheight=1080\nrotation=" + tt.rotation + "\n",
				audio: "codec_name=aac\n",
			}))

			asset, err := p.Probe(context.Background(), "/downloads/clip.mp4")
			require.NoError(t, err)
			assert.Equal(t, tt.want, asset.Rotation)
			assert.Equal(t, tt.swapped, asset.Rotated)
			if tt.swapped {
				assert.Equal(t, 1080, asset.Width)
				assert.Equal(t, 1920, asset.Height)
			} else {
				assert.Equal(t, 1920, asset.Width)
			}
		})
	}
}

func TestProbe_CachedWithinTTL(t *testing.T) {
	p, runner, clock, _ := newTestProber(t, ffprobeHandler(streams{
		video:  "codec_name=vp9\ncodec_tag_string=vp09\n",
		audio:  "codec_name=opus\n",
		format: "duration=30\n",
	}))
	ctx := context.Background()

	_, err := p.Probe(ctx, "/downloads/clip.mp4")
	require.NoError(t, err)
	assert.Len(t, runner.Calls(), 3)

	clock.Advance(4 * time.Minute)
	_, err = p.Probe(ctx, "/downloads/clip.mp4")
	require.NoError(t, err)
	assert.Len(t, runner.Calls(), 3, "second probe inside TTL must be served from cache")

	clock.Advance(2 * time.Minute)
	_, err = p.Probe(ctx, "/downloads/clip.mp4")
	require.NoError(t, err)
	assert.Len(t, runner.Calls(), 6, "expired entries are treated as absent")
}

func TestProbeFresh_BypassesCache(t *testing.T) {
	video := "codec_name=vp9\n"
	p, runner, _, _ := newTestProber(t, func(name string, args []string) processtest.Response {
		if processtest.ArgAfter(args, "-select_streams") == "v:0" {
			return processtest.Response{Output: []byte(video)}
		}
		return processtest.Response{Output: []byte("codec_name=aac\n")}
	})
	ctx := context.Background()

	first, err := p.Probe(ctx, "/downloads/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "vp9", first.VideoCodec)

	video = "codec_name=h264\n"
	fresh, err := p.ProbeFresh(ctx, "/downloads/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "h264", fresh.VideoCodec)
	assert.Len(t, runner.Calls(), 6)

	// the fresh result replaced the cached one
	cached, err := p.Probe(ctx, "/downloads/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "h264", cached.VideoCodec)
	assert.Len(t, runner.Calls(), 6)
}

func TestProbe_MissingAudioIsUnknown(t *testing.T) {
	p, _, _, _ := newTestProber(t, ffprobeHandler(streams{
		video: "codec_name=h264\ncodec_tag_string=avc1\nwidth=1280\nheight=720\n",
	}))

	asset, err := p.Probe(context.Background(), "/downloads/clip.mp4")
	require.NoError(t, err)
	assert.Empty(t, asset.AudioCodec)
	assert.False(t, asset.HasAudio())
	assert.Zero(t, asset.Duration)
}

func TestProbe_Failures(t *testing.T) {
	t.Run("tool unavailable", func(t *testing.T) {
		p, _, _, _ := newTestProber(t, ffprobeHandler(streams{err: terrors.ErrToolUnavailable}))

		_, err := p.Probe(context.Background(), "/downloads/clip.mp4")
		require.Error(t, err)
		assert.Equal(t, terrors.ErrorTypeProbe, terrors.GetType(err))
		assert.ErrorIs(t, err, terrors.ErrToolUnavailable)
	})

	t.Run("missing file", func(t *testing.T) {
		p, runner, _, _ := newTestProber(t, ffprobeHandler(streams{}))

		_, err := p.Probe(context.Background(), "/downloads/nope.mp4")
		require.Error(t, err)
		assert.Equal(t, terrors.ErrorTypeProbe, terrors.GetType(err))
		assert.Empty(t, runner.Calls())
	})

	t.Run("no streams", func(t *testing.T) {
		p, _, _, _ := newTestProber(t, ffprobeHandler(streams{video: "\n", audio: ""}))

		_, err := p.Probe(context.Background(), "/downloads/clip.mp4")
		require.Error(t, err)
		assert.Equal(t, terrors.ErrorTypeProbe, terrors.GetType(err))
	})
}

func TestAvailable_CheckedOnce(t *testing.T) {
	p, runner, _, _ := newTestProber(t, func(name string, args []string) processtest.Response {
		return processtest.Response{Err: errors.New("not found")}
	})

	assert.False(t, p.Available(context.Background()))
	assert.False(t, p.Available(context.Background()))
	assert.Len(t, runner.Calls(), 1)
}
