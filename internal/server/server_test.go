package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/mediarelay/internal/database"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
	"github.com/mantonx/mediarelay/internal/modules/jobmodule"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	ttypes "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
	"github.com/mantonx/mediarelay/internal/server/handlers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobs struct {
	jobs     map[string]*database.Job
	busy     map[string]bool
	updates  chan ttypes.ProgressUpdate
	canceled []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*database.Job{}, busy: map[string]bool{}}
}

func (f *fakeJobs) Submit(ctx context.Context, req jobmodule.Request) (*database.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.busy[req.SessionID] {
		return nil, terrors.SessionError("submit", terrors.ErrSessionBusy)
	}
	job := &database.Job{ID: "job-1", SessionID: req.SessionID, Kind: req.Kind, Status: database.JobStatusQueued}
	f.jobs[job.ID] = job
	f.busy[req.SessionID] = true
	return job, nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*database.Job, error) {
	if job, ok := f.jobs[id]; ok {
		return job, nil
	}
	return nil, terrors.SessionError("get", terrors.ErrJobNotFound)
}

func (f *fakeJobs) List(ctx context.Context, limit int) ([]*database.Job, error) {
	var out []*database.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, id string) error {
	if _, err := f.Get(ctx, id); err != nil {
		return err
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeJobs) Progress(ctx context.Context, id string) (<-chan ttypes.ProgressUpdate, error) {
	if f.updates == nil {
		return nil, terrors.SessionError("progress", terrors.ErrJobNotFound)
	}
	return f.updates, nil
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, path string) (*ttypes.MediaAsset, error) {
	if path == "missing.mp4" {
		return nil, terrors.ProbeFailure("probe", terrors.ErrToolUnavailable)
	}
	return &ttypes.MediaAsset{Path: path, VideoCodec: "vp9", AudioCodec: "aac", Width: 1920, Height: 1080, Duration: 100, Size: 100 * 1024 * 1024}, nil
}

type fakeEstimator struct{ target types.QualityTarget }

func (f *fakeEstimator) EstimateSize(ctx context.Context, url string, target types.QualityTarget, selector string) *float64 {
	f.target = target
	v := 42.5
	return &v
}

func newTestRouter(jobs *fakeJobs, est *fakeEstimator) *gin.Engine {
	return SetupRouter(Deps{
		Jobs:  jobs,
		Media: handlers.NewMediaHandler(fakeProber{}, nil, est, 23),
		Health: map[string]handlers.HealthCheck{
			"database": func(context.Context) error { return nil },
		},
	}, hclog.NewNullLogger())
}

func do(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJobRoutes(t *testing.T) {
	jobs := newFakeJobs()
	r := newTestRouter(jobs, &fakeEstimator{})

	w := do(r, http.MethodPost, "/api/v1/jobs", jobmodule.Request{SessionID: "chat-1", Kind: database.JobKindFetchDual, URL: "https://video.example/a"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var job database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.ID)

	w = do(r, http.MethodPost, "/api/v1/jobs", jobmodule.Request{SessionID: "chat-1", Kind: database.JobKindFetchDual, URL: "https://video.example/b"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/api/v1/jobs", jobmodule.Request{SessionID: "chat-2", Kind: database.JobKindCompress, Path: "a.mp4"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var errResp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "validation", errResp.Error.Code)
	assert.False(t, errResp.Error.Retryable)

	w = do(r, http.MethodGet, "/api/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, http.MethodDelete, "/api/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"job-1"}, jobs.canceled)
}

func TestSubmitJob_MalformedBody(t *testing.T) {
	r := newTestRouter(newFakeJobs(), &fakeEstimator{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProbeRoute(t *testing.T) {
	r := newTestRouter(newFakeJobs(), &fakeEstimator{})

	w := do(r, http.MethodPost, "/api/v1/probe", map[string]string{"path": "clip.webm"})
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Compatible bool                        `json:"compatible"`
		Verdict    ttypes.CompatibilityVerdict `json:"verdict"`
		Estimate   float64                     `json:"converted_estimate_mb"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Compatible)
	assert.False(t, body.Verdict.VideoCompatible)
	assert.True(t, body.Verdict.AudioCompatible)
	assert.InDelta(t, 25.98, body.Estimate, 0.01)

	w = do(r, http.MethodPost, "/api/v1/probe", map[string]string{"path": "missing.mp4"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(r, http.MethodPost, "/api/v1/probe", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEstimateRoute(t *testing.T) {
	est := &fakeEstimator{}
	r := newTestRouter(newFakeJobs(), est)

	w := do(r, http.MethodPost, "/api/v1/estimate", map[string]interface{}{"url": "https://video.example/a"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"estimate_mb":42.5`)
	assert.Equal(t, types.MediumTarget.Height, est.target.Height)

	w = do(r, http.MethodPost, "/api/v1/estimate", map[string]interface{}{"url": "https://video.example/a", "min_height": 400, "max_height": 500})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.HeightRange{Min: 400, Max: 500}, est.target.Height)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(newFakeJobs(), &fakeEstimator{})

	w := do(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mediarelay_http_requests_total")

	failing := SetupRouter(Deps{Health: map[string]handlers.HealthCheck{
		"ffprobe": func(context.Context) error { return errors.New("not found in PATH") },
	}}, hclog.NewNullLogger())
	w = do(failing, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not found in PATH")
}

func TestProgressWebsocket(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs["job-1"] = &database.Job{ID: "job-1", Status: database.JobStatusCompleted, Progress: 100}
	jobs.updates = make(chan ttypes.ProgressUpdate, 2)
	jobs.updates <- ttypes.ProgressUpdate{Percent: 43, Stage: 43}
	jobs.updates <- ttypes.ProgressUpdate{Percent: 100, Stage: 100}
	close(jobs.updates)

	srv := httptest.NewServer(newTestRouter(jobs, &fakeEstimator{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/jobs/job-1/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frames []handlers.ProgressMessage
	for {
		var msg handlers.ProgressMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		frames = append(frames, msg)
	}

	require.Len(t, frames, 3)
	assert.Equal(t, 43, frames[0].Progress.Percent)
	assert.Equal(t, 100, frames[1].Progress.Percent)
	assert.Equal(t, "finished", frames[2].Type)
	assert.Equal(t, database.JobStatusCompleted, frames[2].Job.Status)
}
