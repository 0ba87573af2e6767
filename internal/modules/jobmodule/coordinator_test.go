package jobmodule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/mediarelay/internal/config"
	"github.com/mantonx/mediarelay/internal/database"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
	"github.com/mantonx/mediarelay/internal/modules/jobmodule/repository"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compress"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/progress"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	ttypes "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// blockingFetcher holds every fetch until release is closed or the job is
// cancelled.
type blockingFetcher struct {
	started chan string
	release chan struct{}
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{started: make(chan string, 8), release: make(chan struct{})}
}

func (f *blockingFetcher) wait(ctx context.Context, url string, sink progress.Sink) (*types.DownloadResult, error) {
	f.started <- url
	sink.Send(ttypes.ProgressUpdate{Percent: 50})
	select {
	case <-f.release:
		sink.Send(ttypes.ProgressUpdate{Percent: 100})
		return &types.DownloadResult{PrimaryPath: "downloads/a_1080ish.mp4", SecondaryPath: "downloads/a_720ish_or_70mb.mp4"}, nil
	case <-ctx.Done():
		return nil, terrors.FetchFailure("fetch", terrors.ErrCancelled)
	}
}

func (f *blockingFetcher) FetchDual(ctx context.Context, url, cookies string, sink progress.Sink) (*types.DownloadResult, error) {
	return f.wait(ctx, url, sink)
}

func (f *blockingFetcher) FetchSingle(ctx context.Context, url, quality, cookies string, sink progress.Sink) (*types.DownloadResult, error) {
	return f.wait(ctx, url, sink)
}

type stubConverter struct{ err error }

func (s stubConverter) ConvertToCompatible(ctx context.Context, path string, sink progress.Sink) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return path + ".compatible.mp4", nil
}

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, path string) (*ttypes.MediaAsset, error) {
	return &ttypes.MediaAsset{Path: path, Duration: 60, Size: 200 * 1024 * 1024}, nil
}

type stubCompressor struct{}

func (stubCompressor) CompressToTarget(ctx context.Context, asset *ttypes.MediaAsset, targetMB float64, opts compress.Options, sink progress.Sink) (string, error) {
	panic("encoder crashed")
}

func newCoordinator(t *testing.T, p Pipelines) *Coordinator {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Type: "sqlite", DatabasePath: ":memory:"})
	require.NoError(t, err)
	c := NewCoordinator(repository.NewJobRepository(db), p, hclog.NewNullLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return c
}

func waitJob(t *testing.T, c *Coordinator, id string) *database.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestSubmit_OneJobPerSession(t *testing.T) {
	fetcher := newBlockingFetcher()
	c := newCoordinator(t, Pipelines{Fetcher: fetcher})
	ctx := context.Background()

	first, err := c.Submit(ctx, Request{SessionID: "chat-1", Kind: database.JobKindFetchDual, URL: "https://video.example/a"})
	require.NoError(t, err)
	<-fetcher.started

	_, err = c.Submit(ctx, Request{SessionID: "chat-1", Kind: database.JobKindFetchDual, URL: "https://video.example/b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, terrors.ErrSessionBusy)
	assert.Equal(t, first.ID, terrors.GetDetails(err)["job_id"])

	// other sessions are independent
	other, err := c.Submit(ctx, Request{SessionID: "chat-2", Kind: database.JobKindFetchSingle, URL: "https://video.example/c", Quality: "720p"})
	require.NoError(t, err)
	<-fetcher.started

	close(fetcher.release)
	done := waitJob(t, c, first.ID)
	assert.Equal(t, database.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)

	var res Result
	require.NoError(t, done.DecodeResult(&res))
	require.NotNil(t, res.Download)
	assert.Equal(t, "downloads/a_720ish_or_70mb.mp4", res.Download.SecondaryPath)

	waitJob(t, c, other.ID)

	// the session is free again
	_, err = c.Submit(ctx, Request{SessionID: "chat-1", Kind: database.JobKindConvert, Path: "in.mkv"})
	assert.NoError(t, err)
}

func TestCancel_RunningJob(t *testing.T) {
	fetcher := newBlockingFetcher()
	c := newCoordinator(t, Pipelines{Fetcher: fetcher})

	job, err := c.Submit(context.Background(), Request{SessionID: "chat-1", Kind: database.JobKindFetchDual, URL: "https://video.example/a"})
	require.NoError(t, err)
	<-fetcher.started

	require.NoError(t, c.Cancel(context.Background(), job.ID))
	done := waitJob(t, c, job.ID)
	assert.Equal(t, database.JobStatusCancelled, done.Status)
	assert.NotNil(t, done.FinishedAt)

	// cancelling again is a no-op
	assert.NoError(t, c.Cancel(context.Background(), job.ID))
	assert.ErrorIs(t, c.Cancel(context.Background(), "missing"), terrors.ErrJobNotFound)
}

func TestProgress_StreamsAndCloses(t *testing.T) {
	fetcher := newBlockingFetcher()
	c := newCoordinator(t, Pipelines{Fetcher: fetcher})

	job, err := c.Submit(context.Background(), Request{SessionID: "chat-1", Kind: database.JobKindFetchDual, URL: "https://video.example/a"})
	require.NoError(t, err)
	<-fetcher.started

	updates, err := c.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	close(fetcher.release)

	var seen []int
	for u := range updates {
		seen = append(seen, u.Percent)
	}
	assert.Equal(t, []int{50, 100}, seen)

	_, err = c.Progress(context.Background(), job.ID)
	assert.ErrorIs(t, err, terrors.ErrJobNotFound)
}

func TestProgress_EverySubscriberGetsEveryUpdate(t *testing.T) {
	fetcher := newBlockingFetcher()
	c := newCoordinator(t, Pipelines{Fetcher: fetcher})

	job, err := c.Submit(context.Background(), Request{SessionID: "chat-1", Kind: database.JobKindFetchDual, URL: "https://video.example/a"})
	require.NoError(t, err)
	<-fetcher.started

	first, err := c.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	second, err := c.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	close(fetcher.release)

	collect := func(updates <-chan ttypes.ProgressUpdate) []int {
		var seen []int
		for u := range updates {
			seen = append(seen, u.Percent)
		}
		return seen
	}
	got := make(chan []int, 1)
	go func() { got <- collect(second) }()

	assert.Equal(t, []int{50, 100}, collect(first))
	assert.Equal(t, []int{50, 100}, <-got)
}

func TestProgress_SubscriptionEndsWithContext(t *testing.T) {
	fetcher := newBlockingFetcher()
	c := newCoordinator(t, Pipelines{Fetcher: fetcher})

	job, err := c.Submit(context.Background(), Request{SessionID: "chat-1", Kind: database.JobKindFetchDual, URL: "https://video.example/a"})
	require.NoError(t, err)
	<-fetcher.started
	defer close(fetcher.release)

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := c.Progress(ctx, job.ID)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-updates:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)

	stillRunning, err := c.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, stillRunning)
}

func TestJobFailures(t *testing.T) {
	c := newCoordinator(t, Pipelines{
		Converter:  stubConverter{err: terrors.EncodeFailure("transcode", terrors.ErrCandidatesExhausted)},
		Prober:     stubProber{},
		Compressor: stubCompressor{},
	})
	ctx := context.Background()

	failed, err := c.Submit(ctx, Request{SessionID: "a", Kind: database.JobKindConvert, Path: "in.webm"})
	require.NoError(t, err)
	job := waitJob(t, c, failed.ID)
	assert.Equal(t, database.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "all encode candidates failed")

	panicked, err := c.Submit(ctx, Request{SessionID: "b", Kind: database.JobKindCompress, Path: "in.mp4", TargetMB: 70})
	require.NoError(t, err)
	job = waitJob(t, c, panicked.ID)
	assert.Equal(t, database.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "encoder crashed")
}

func TestSubmit_Validation(t *testing.T) {
	c := newCoordinator(t, Pipelines{})

	tests := []Request{
		{Kind: database.JobKindFetchDual, URL: "u"},
		{SessionID: "s", Kind: database.JobKindFetchDual},
		{SessionID: "s", Kind: database.JobKindFetchSingle, URL: "u"},
		{SessionID: "s", Kind: database.JobKindCompress, Path: "p"},
		{SessionID: "s", Kind: "transmogrify"},
	}
	for _, req := range tests {
		_, err := c.Submit(context.Background(), req)
		assert.ErrorIs(t, err, terrors.ErrInvalidInput, "request %+v", req)
	}
}

func TestListAndCleanup(t *testing.T) {
	c := newCoordinator(t, Pipelines{Converter: stubConverter{}})
	ctx := context.Background()

	job, err := c.Submit(ctx, Request{SessionID: "a", Kind: database.JobKindConvert, Path: "in.mkv"})
	require.NoError(t, err)
	finished := waitJob(t, c, job.ID)
	assert.Equal(t, database.JobStatusCompleted, finished.Status)

	jobs, err := c.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, err := c.CleanupOld(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestShutdown_RefusesNewJobs(t *testing.T) {
	c := newCoordinator(t, Pipelines{Converter: stubConverter{}})
	require.NoError(t, c.Shutdown(context.Background()))

	_, err := c.Submit(context.Background(), Request{SessionID: "a", Kind: database.JobKindConvert, Path: "in.mkv"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, terrors.ErrInvalidInput))
}
