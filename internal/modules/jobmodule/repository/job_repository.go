// Package repository provides data access for job records
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mantonx/mediarelay/internal/database"
	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
)

// JobRepository handles job data access
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create creates a new job record
func (r *JobRepository) Create(ctx context.Context, job *database.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id string) (*database.Job, error) {
	var job database.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, terrors.SessionError("get_job", terrors.ErrJobNotFound).WithDetail("job_id", id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Update saves every field of a job
func (r *JobRepository) Update(ctx context.Context, job *database.Job) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// UpdateFields updates specific fields of a job
func (r *JobRepository) UpdateFields(ctx context.Context, id string, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&database.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateProgress records the latest progress percentage
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, percent int) error {
	return r.UpdateFields(ctx, id, map[string]interface{}{"progress": percent})
}

// Delete deletes a job
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&database.Job{}).Error
}

// GetActive retrieves queued and running jobs
func (r *JobRepository) GetActive(ctx context.Context) ([]*database.Job, error) {
	var jobs []*database.Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", []database.JobStatus{database.JobStatusQueued, database.JobStatusRunning}).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// GetBySession retrieves the jobs of a session, newest first
func (r *JobRepository) GetBySession(ctx context.Context, sessionID string) ([]*database.Job, error) {
	var jobs []*database.Job
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Find(&jobs).Error
	return jobs, err
}

// GetRecent retrieves recent jobs
func (r *JobRepository) GetRecent(ctx context.Context, limit int) ([]*database.Job, error) {
	var jobs []*database.Job
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// MarkInterrupted fails jobs left queued or running by a previous process.
func (r *JobRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&database.Job{}).
		Where("status IN ?", []database.JobStatus{database.JobStatusQueued, database.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":      database.JobStatusFailed,
			"error":       "interrupted by restart",
			"finished_at": now,
		})
	return res.RowsAffected, res.Error
}

// CleanupOld removes finished jobs older than the specified duration
func (r *JobRepository) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Where("created_at < ? AND status IN ?", cutoff,
			[]database.JobStatus{database.JobStatusCompleted, database.JobStatusFailed, database.JobStatusCancelled}).
		Delete(&database.Job{})
	return res.RowsAffected, res.Error
}

// Stats counts jobs per status
func (r *JobRepository) Stats(ctx context.Context) (map[database.JobStatus]int64, error) {
	var rows []struct {
		Status database.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&database.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := make(map[database.JobStatus]int64, len(rows))
	for _, row := range rows {
		stats[row.Status] = row.Count
	}
	return stats, nil
}
