// Package database holds the persisted job model and opens the configured
// database.
package database

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobKind names the pipeline a job runs
type JobKind string

const (
	JobKindFetchDual   JobKind = "fetch_dual"
	JobKindFetchSingle JobKind = "fetch_single"
	JobKindConvert     JobKind = "convert"
	JobKindCompress    JobKind = "compress"
)

// Job is one submitted pipeline run
type Job struct {
	ID         string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SessionID  string     `gorm:"type:varchar(128);not null;index" json:"session_id"`
	Kind       JobKind    `gorm:"type:varchar(32);not null" json:"kind"`
	Status     JobStatus  `gorm:"type:varchar(32);not null;index" json:"status"`
	Request    string     `gorm:"type:text" json:"-"` // JSON string
	Result     string     `gorm:"type:text" json:"-"` // JSON string
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	Progress   int        `json:"progress"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"index" json:"finished_at,omitempty"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the table name for GORM
func (Job) TableName() string {
	return "jobs"
}

// SetRequest serializes v into Request.
func (j *Job) SetRequest(v interface{}) error {
	s, err := encode(v)
	j.Request = s
	return err
}

// SetResult serializes v into Result.
func (j *Job) SetResult(v interface{}) error {
	s, err := encode(v)
	j.Result = s
	return err
}

// DecodeRequest deserializes Request into v. An empty request is a no-op.
func (j *Job) DecodeRequest(v interface{}) error {
	if j.Request == "" {
		return nil
	}
	return json.Unmarshal([]byte(j.Request), v)
}

// DecodeResult deserializes Result into v. An empty result is a no-op.
func (j *Job) DecodeResult(v interface{}) error {
	if j.Result == "" {
		return nil
	}
	return json.Unmarshal([]byte(j.Result), v)
}

func encode(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
