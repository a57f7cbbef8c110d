package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/ai-support/internal/common"
	"github.com/suPer8Hu/ai-support/internal/metrics"
)

type RepairStatus string

const (
	RepairQueued    RepairStatus = "queued"
	RepairRunning   RepairStatus = "running"
	RepairSucceeded RepairStatus = "succeeded"
	RepairFailed    RepairStatus = "failed"
	RepairSkipped   RepairStatus = "skipped"
)

// RepairJob tracks the out-of-band completion of one orphaned user message.
type RepairJob struct {
	ID            string       `gorm:"primaryKey;type:varchar(26)" json:"id"`
	UserID        uint64       `gorm:"not null;index" json:"user_id"`
	SessionID     string       `gorm:"type:varchar(26);not null;index" json:"session_id"`
	UserMessageID uint64       `gorm:"not null;uniqueIndex" json:"user_message_id"`
	Status        RepairStatus `gorm:"type:varchar(16);not null;index" json:"status"`

	ResultMessageID *uint64 `json:"result_message_id,omitempty"`
	Error           *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (RepairJob) TableName() string { return "chat_repair_jobs" }

type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type RepairJobStore interface {
	CreateRepairJobOrGetExisting(ctx context.Context, job *RepairJob) (*RepairJob, bool, error)
}

// RepairScheduler records orphaned messages as repair jobs and hands them to the worker queue.
type RepairScheduler struct {
	jobs      RepairJobStore
	publisher JobPublisher
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func NewRepairScheduler(jobs RepairJobStore, publisher JobPublisher, log zerolog.Logger, m *metrics.Metrics) *RepairScheduler {
	return &RepairScheduler{jobs: jobs, publisher: publisher, log: log, metrics: m}
}

// ReportOrphan is idempotent per user message: a second report for the same
// message neither creates nor republishes a job.
func (s *RepairScheduler) ReportOrphan(ctx context.Context, o Orphan) error {
	id, err := common.NewULID()
	if err != nil {
		return err
	}
	job, created, err := s.jobs.CreateRepairJobOrGetExisting(ctx, &RepairJob{
		ID:            id,
		UserID:        o.UserID,
		SessionID:     o.SessionID,
		UserMessageID: o.UserMessageID,
		Status:        RepairQueued,
	})
	if err != nil {
		return fmt.Errorf("create repair job: %w", err)
	}
	if !created {
		return nil
	}
	s.metrics.RepairJob(string(RepairQueued))

	if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
		return fmt.Errorf("publish repair job %s: %w", job.ID, err)
	}
	s.log.Info().
		Str("job_id", job.ID).
		Uint64("user_message_id", job.UserMessageID).
		Msg("repair job queued")
	return nil
}
