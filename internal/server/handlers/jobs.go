package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mantonx/mediarelay/internal/database"
	"github.com/mantonx/mediarelay/internal/modules/jobmodule"
	ttypes "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/types"
)

// JobService is the slice of the job coordinator the API needs.
type JobService interface {
	Submit(ctx context.Context, req jobmodule.Request) (*database.Job, error)
	Get(ctx context.Context, id string) (*database.Job, error)
	List(ctx context.Context, limit int) ([]*database.Job, error)
	Cancel(ctx context.Context, id string) error
	Progress(ctx context.Context, id string) (<-chan ttypes.ProgressUpdate, error)
}

// JobHandler serves the job API.
type JobHandler struct {
	jobs     JobService
	upgrader websocket.Upgrader
}

// NewJobHandler creates a job handler.
func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{
		jobs: jobs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// JobView is a job record with its decoded request and result inlined.
type JobView struct {
	*database.Job
	Request json.RawMessage `json:"request,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func viewOf(job *database.Job) *JobView {
	v := &JobView{Job: job}
	if job.Request != "" {
		v.Request = json.RawMessage(job.Request)
	}
	if job.Result != "" {
		v.Result = json.RawMessage(job.Result)
	}
	return v
}

// ProgressMessage is one frame of the progress stream.
type ProgressMessage struct {
	Type      string                 `json:"type"`
	JobID     string                 `json:"job_id"`
	Progress  *ttypes.ProgressUpdate `json:"progress,omitempty"`
	Job       *JobView               `json:"job,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// SubmitJob handles POST /api/v1/jobs
//
// Request body:
//
//	{
//	  "session_id": "string",  // Required: one running job per session
//	  "kind": "string",        // Required: fetch_dual, fetch_single, convert, compress
//	  "url": "string",         // fetch kinds
//	  "quality": "string",     // fetch_single: 4k, 1440p, 1080p, 720p, mobile
//	  "path": "string",        // convert, compress
//	  "target_mb": 70          // compress
//	}
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req jobmodule.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), req)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewOf(job))
}

// ListJobs handles GET /api/v1/jobs?limit=N
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.jobs.List(c.Request.Context(), limit)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	views := make([]*JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  views,
		"count": len(views),
	})
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}

// CancelJob handles DELETE /api/v1/jobs/:id
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobs.Cancel(c.Request.Context(), id); err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  id,
		"message": "cancellation requested",
	})
}

// StreamProgress handles GET /api/v1/jobs/:id/progress. The connection is
// upgraded to a websocket that carries progress frames followed by one
// final frame with the finished job record.
func (h *JobHandler) StreamProgress(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	updates, err := h.jobs.Progress(ctx, id)
	if err != nil {
		// finished jobs have no live stream; report the record instead
		job, getErr := h.jobs.Get(ctx, id)
		if getErr != nil {
			RespondWithError(c, getErr)
			return
		}
		c.JSON(http.StatusOK, viewOf(job))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}
	defer conn.Close()

	for u := range updates {
		u := u
		if !writeFrame(conn, ProgressMessage{Type: "progress", JobID: id, Progress: &u, Timestamp: time.Now().Unix()}) {
			return
		}
	}

	job, err := h.jobs.Get(ctx, id)
	if err == nil {
		writeFrame(conn, ProgressMessage{Type: "finished", JobID: id, Job: viewOf(job), Timestamp: time.Now().Unix()})
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(time.Second))
}

func writeFrame(conn *websocket.Conn, msg ProgressMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg) == nil
}
