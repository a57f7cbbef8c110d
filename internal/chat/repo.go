package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessionsByUser returns the user's sessions newest first.
func (r *Repo) ListSessionsByUser(ctx context.Context, userID uint64) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns the whole session history in ASC order (oldest -> newest).
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC order (newest -> oldest).
// id breaks created_at ties, so insertion order wins within one timestamp.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// LatestMessage returns the newest message of the session, or gorm.ErrRecordNotFound.
func (r *Repo) LatestMessage(ctx context.Context, sessionID string) (*Message, error) {
	msgs, err := r.ListRecentMessagesDesc(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &msgs[0], nil
}

func (r *Repo) InsertUsage(ctx context.Context, u *Usage) error {
	return r.db.WithContext(ctx).Create(u).Error
}

// ListUsage returns usage rows in ASC order.
func (r *Repo) ListUsage(ctx context.Context, sessionID string) ([]Usage, error) {
	var out []Usage
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Repair jobs

func (r *Repo) GetRepairJob(ctx context.Context, id string) (*RepairJob, error) {
	var j RepairJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) GetRepairJobByMessage(ctx context.Context, userMessageID uint64) (*RepairJob, error) {
	var j RepairJob
	if err := r.db.WithContext(ctx).
		Where("user_message_id = ?", userMessageID).
		First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateRepairJobOrGetExisting creates the job unless one already exists for
// the same user message, in which case the existing job is returned.
func (r *Repo) CreateRepairJobOrGetExisting(ctx context.Context, job *RepairJob) (*RepairJob, bool, error) {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetRepairJobByMessage(ctx, job.UserMessageID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// MarkRepairJobRunning claims a job for one attempt. A queued job is always
// claimable; a running job is reclaimed only once its last update is older
// than staleBefore, which covers a worker that died mid-attempt. It reports
// false when the job is held by a live attempt or already finished.
func (r *Repo) MarkRepairJobRunning(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&RepairJob{}).
		Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			id, RepairQueued, RepairRunning, staleBefore).
		Updates(map[string]any{
			"status":     RepairRunning,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkRepairJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&RepairJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            RepairSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkRepairJobSkipped(ctx context.Context, id string, reason string) error {
	return r.db.WithContext(ctx).Model(&RepairJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": RepairSkipped,
			"error":  reason,
		}).Error
}

// RequeueRepairJob returns a running job to queued ahead of a retry.
func (r *Repo) RequeueRepairJob(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&RepairJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": RepairQueued,
			"error":  errMsg,
		}).Error
}

func (r *Repo) MarkRepairJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&RepairJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            RepairFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}
