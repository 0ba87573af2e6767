// Package jobmodule runs pipeline jobs asynchronously: at most one running
// job per session, each cancellable, with live progress and a persisted
// record.
package jobmodule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/mantonx/mediarelay/internal/database"
	"github.com/mantonx/mediarelay/internal/metrics"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compress"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/progress"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	ttypes "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// Store persists job records.
type Store interface {
	Create(ctx context.Context, job *database.Job) error
	GetByID(ctx context.Context, id string) (*database.Job, error)
	Update(ctx context.Context, job *database.Job) error
	UpdateProgress(ctx context.Context, id string, percent int) error
	GetRecent(ctx context.Context, limit int) ([]*database.Job, error)
	CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Fetcher downloads renditions.
type Fetcher interface {
	FetchDual(ctx context.Context, url, cookies string, sink progress.Sink) (*types.DownloadResult, error)
	FetchSingle(ctx context.Context, url, quality, cookies string, sink progress.Sink) (*types.DownloadResult, error)
}

// Converter makes local files compatible.
type Converter interface {
	ConvertToCompatible(ctx context.Context, path string, sink progress.Sink) (string, error)
}

// Prober inspects local files.
type Prober interface {
	Probe(ctx context.Context, path string) (*ttypes.MediaAsset, error)
}

// Compressor shrinks local files to a size.
type Compressor interface {
	CompressToTarget(ctx context.Context, asset *ttypes.MediaAsset, targetMB float64, opts compress.Options, sink progress.Sink) (string, error)
}

// Pipelines bundles the components jobs run on.
type Pipelines struct {
	Fetcher    Fetcher
	Converter  Converter
	Prober     Prober
	Compressor Compressor
}

// Request is a job submission.
type Request struct {
	SessionID   string           `json:"session_id"`
	Kind        database.JobKind `json:"kind"`
	URL         string           `json:"url,omitempty"`
	Path        string           `json:"path,omitempty"`
	Quality     string           `json:"quality,omitempty"`
	TargetMB    float64          `json:"target_mb,omitempty"`
	CookiesFile string           `json:"cookies_file,omitempty"`
}

// Validate checks that the request carries what its kind needs.
func (r Request) Validate() error {
	var problem string
	switch {
	case strings.TrimSpace(r.SessionID) == "":
		problem = "session_id is required"
	case r.Kind == database.JobKindFetchDual && r.URL == "":
		problem = "url is required"
	case r.Kind == database.JobKindFetchSingle && (r.URL == "" || r.Quality == ""):
		problem = "url and quality are required"
	case r.Kind == database.JobKindConvert && r.Path == "":
		problem = "path is required"
	case r.Kind == database.JobKindCompress && (r.Path == "" || r.TargetMB <= 0):
		problem = "path and a positive target_mb are required"
	case r.Kind != database.JobKindFetchDual && r.Kind != database.JobKindFetchSingle &&
		r.Kind != database.JobKindConvert && r.Kind != database.JobKindCompress:
		problem = fmt.Sprintf("unknown kind %q", r.Kind)
	}
	if problem != "" {
		return terrors.ValidationError("submit", fmt.Errorf("%w: %s", terrors.ErrInvalidInput, problem))
	}
	return nil
}

// Result is what a finished job produced.
type Result struct {
	Download   *types.DownloadResult `json:"download,omitempty"`
	OutputPath string                `json:"output_path,omitempty"`
}

// progressStep is how far progress must move before it is persisted.
const progressStep = 10

type runningJob struct {
	job     *database.Job
	cancel  context.CancelFunc
	updates *progress.Broadcaster
	done    chan struct{}
}

// Coordinator admits, runs and tracks jobs.
type Coordinator struct {
	store     Store
	pipelines Pipelines
	logger    hclog.Logger

	mu       sync.Mutex
	running  map[string]*runningJob // by job ID
	sessions map[string]string      // session ID to job ID

	baseCtx context.Context
	stop    context.CancelFunc
	wg      conc.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store Store, pipelines Pipelines, logger hclog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     store,
		pipelines: pipelines,
		logger:    logger.Named("jobs"),
		running:   make(map[string]*runningJob),
		sessions:  make(map[string]string),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Submit validates and starts a job. A session that already has a running
// job is refused with ErrSessionBusy.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*database.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.baseCtx.Err() != nil {
		return nil, terrors.SessionError("submit", errors.New("coordinator is shut down"))
	}
	if existing, busy := c.sessions[req.SessionID]; busy {
		return nil, terrors.SessionError("submit", terrors.ErrSessionBusy).
			WithSession(req.SessionID).
			WithDetail("job_id", existing)
	}

	job := &database.Job{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Kind:      req.Kind,
		Status:    database.JobStatusQueued,
	}
	if err := job.SetRequest(req); err != nil {
		return nil, terrors.InternalError("submit", err)
	}
	if err := c.store.Create(ctx, job); err != nil {
		return nil, terrors.InternalError("submit", err)
	}

	jobCtx, cancel := context.WithCancel(c.baseCtx)
	rj := &runningJob{
		job:     job,
		cancel:  cancel,
		updates: progress.NewBroadcaster(progress.DefaultBuffer),
		done:    make(chan struct{}),
	}
	c.running[job.ID] = rj
	c.sessions[req.SessionID] = job.ID

	snapshot := *job
	c.wg.Go(func() { c.run(jobCtx, rj, req) })

	c.logger.Info("job submitted", "job_id", job.ID, "session", req.SessionID, "kind", req.Kind)
	return &snapshot, nil
}

func (c *Coordinator) run(ctx context.Context, rj *runningJob, req Request) {
	job := rj.job
	defer close(rj.done)
	defer rj.updates.Close()
	defer rj.cancel()

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	started := time.Now()
	job.Status = database.JobStatusRunning
	job.StartedAt = &started
	if err := c.store.Update(ctx, job); err != nil {
		c.logger.Warn("failed to persist job start", "job_id", job.ID, "error", err)
	}

	sink := c.sinkFor(job, rj.updates)

	var result *Result
	var err error
	var pc panics.Catcher
	pc.Try(func() { result, err = c.execute(ctx, req, sink) })
	if r := pc.Recovered(); r != nil {
		err = terrors.InternalError("job", r.AsError())
	}

	finished := time.Now()
	job.FinishedAt = &finished
	switch {
	case err == nil:
		job.Status = database.JobStatusCompleted
		job.Progress = 100
	case ctx.Err() != nil || errors.Is(err, terrors.ErrCancelled) || errors.Is(err, context.Canceled):
		job.Status = database.JobStatusCancelled
		job.Error = err.Error()
	default:
		job.Status = database.JobStatusFailed
		job.Error = err.Error()
	}
	if result != nil {
		if encErr := job.SetResult(result); encErr != nil {
			c.logger.Warn("failed to encode job result", "job_id", job.ID, "error", encErr)
		}
	}

	// the job context may be cancelled already
	if uerr := c.store.Update(context.Background(), job); uerr != nil {
		c.logger.Error("failed to persist job result", "job_id", job.ID, "error", uerr)
	}

	metrics.JobsTotal.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(finished.Sub(started).Seconds())

	c.mu.Lock()
	delete(c.running, job.ID)
	if c.sessions[job.SessionID] == job.ID {
		delete(c.sessions, job.SessionID)
	}
	c.mu.Unlock()

	c.logger.Info("job finished", "job_id", job.ID, "status", job.Status, "elapsed", finished.Sub(started).Round(time.Millisecond))
}

// sinkFor forwards progress to live subscribers and persists it in steps.
func (c *Coordinator) sinkFor(job *database.Job, live progress.Sink) progress.Sink {
	var mu sync.Mutex
	last := 0
	return progress.SinkFunc(func(u ttypes.ProgressUpdate) {
		live.Send(u)

		mu.Lock()
		persist := u.Percent >= last+progressStep
		if persist {
			last = u.Percent
			job.Progress = u.Percent
		}
		mu.Unlock()
		if persist {
			if err := c.store.UpdateProgress(context.Background(), job.ID, u.Percent); err != nil {
				c.logger.Debug("failed to persist progress", "job_id", job.ID, "error", err)
			}
		}
	})
}

func (c *Coordinator) execute(ctx context.Context, req Request, sink progress.Sink) (*Result, error) {
	p := c.pipelines
	switch req.Kind {
	case database.JobKindFetchDual:
		res, err := p.Fetcher.FetchDual(ctx, req.URL, req.CookiesFile, sink)
		return &Result{Download: res}, err
	case database.JobKindFetchSingle:
		res, err := p.Fetcher.FetchSingle(ctx, req.URL, req.Quality, req.CookiesFile, sink)
		return &Result{Download: res}, err
	case database.JobKindConvert:
		out, err := p.Converter.ConvertToCompatible(ctx, req.Path, sink)
		if err != nil {
			return nil, err
		}
		return &Result{OutputPath: out}, nil
	case database.JobKindCompress:
		asset, err := p.Prober.Probe(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		out, err := p.Compressor.CompressToTarget(ctx, asset, req.TargetMB, compress.Options{}, sink)
		if err != nil {
			return nil, err
		}
		return &Result{OutputPath: out}, nil
	}
	return nil, terrors.ValidationError("job", terrors.ErrInvalidInput)
}

// Get returns a job record.
func (c *Coordinator) Get(ctx context.Context, id string) (*database.Job, error) {
	return c.store.GetByID(ctx, id)
}

// List returns the most recent jobs.
func (c *Coordinator) List(ctx context.Context, limit int) ([]*database.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return c.store.GetRecent(ctx, limit)
}

// Cancel stops a running job. Cancelling a finished job is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	rj, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		rj.cancel()
		c.logger.Info("job cancellation requested", "job_id", id)
		return nil
	}
	_, err := c.store.GetByID(ctx, id)
	return err
}

// Progress subscribes to the live progress of a running job. Every caller
// gets its own stream, which closes when the job ends or ctx is done.
func (c *Coordinator) Progress(ctx context.Context, id string) (<-chan ttypes.ProgressUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rj, ok := c.running[id]
	if !ok {
		return nil, terrors.SessionError("progress", terrors.ErrJobNotFound).WithDetail("job_id", id)
	}
	return rj.updates.Subscribe(ctx), nil
}

// Wait blocks until the job ends or ctx is done and returns its record.
func (c *Coordinator) Wait(ctx context.Context, id string) (*database.Job, error) {
	c.mu.Lock()
	rj, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		select {
		case <-rj.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.GetByID(ctx, id)
}

// CleanupOld prunes finished job records older than olderThan.
func (c *Coordinator) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := c.store.CleanupOld(ctx, olderThan)
	if err == nil && n > 0 {
		c.logger.Info("pruned old jobs", "count", n)
	}
	return n, err
}

// Shutdown cancels every running job and waits for them to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.stop()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
