package database

import (
	"time"

	"github.com/keepawake/keepawake/internal/models"

	"github.com/pkg/errors"

	"gorm.io/gorm"
)

// Repository handles all database operations for lock events and samples
type Repository struct {
	db *DB
}

// NewRepository creates a new repository instance
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreateEvent inserts a new lock event into the database
func (r *Repository) CreateEvent(event *models.LockEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	result := r.db.Create(event)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert lock event")
	}
	return nil
}

// GetEventByID retrieves a lock event by its ID
func (r *Repository) GetEventByID(id uint) (*models.LockEvent, error) {
	var event models.LockEvent
	result := r.db.First(&event, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, errors.Wrap(result.Error, "failed to get lock event")
	}
	return &event, nil
}

// GetEventsSince retrieves lock events since a given time, newest first.
// A limit of zero or less returns all of them.
func (r *Repository) GetEventsSince(since time.Time, limit int) ([]*models.LockEvent, error) {
	var events []*models.LockEvent
	query := r.db.Where("timestamp >= ?", since).Order("timestamp DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if result := query.Find(&events); result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query lock events")
	}

	return events, nil
}

// GetLatestEvent retrieves the most recent lock event
func (r *Repository) GetLatestEvent() (*models.LockEvent, error) {
	var event models.LockEvent
	result := r.db.Order("timestamp DESC").Order("id DESC").First(&event)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(result.Error, "failed to get latest event")
	}
	return &event, nil
}

// GetActionCountsSince counts lock events per action since a given time
func (r *Repository) GetActionCountsSince(since time.Time) ([]models.ActionCount, error) {
	var counts []models.ActionCount

	result := r.db.Model(&models.LockEvent{}).
		Select("action, COUNT(*) as count").
		Where("timestamp >= ?", since).
		Group("action").
		Order("count DESC").
		Scan(&counts)

	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query action counts")
	}

	return counts, nil
}

// CreateSample inserts a new status sample into the database
func (r *Repository) CreateSample(sample *models.StatusSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	result := r.db.Create(sample)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert status sample")
	}
	return nil
}

// GetSamplesSince retrieves all status samples since a given time
func (r *Repository) GetSamplesSince(since time.Time) ([]*models.StatusSample, error) {
	var samples []*models.StatusSample
	result := r.db.Where("timestamp >= ?", since).Order("timestamp ASC").Find(&samples)

	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query status samples")
	}

	return samples, nil
}

// GetKindSummarySince returns held time per lock kind since a given time.
// Uses SQL SUM for efficiency; the reporter derives percentages.
func (r *Repository) GetKindSummarySince(since time.Time) ([]models.KindSummary, error) {
	var summaries []models.KindSummary

	result := r.db.Model(&models.StatusSample{}).
		Select("kind, SUM(duration) as held_seconds, COUNT(*) as sample_count").
		Where("timestamp >= ? AND held = ?", since, true).
		Group("kind").
		Order("held_seconds DESC").
		Scan(&summaries)

	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query kind summary")
	}

	return summaries, nil
}

// GetTrackedSecondsSince sums the duration of every sample since a given time
func (r *Repository) GetTrackedSecondsSince(since time.Time) (int64, error) {
	var total int64
	result := r.db.Model(&models.StatusSample{}).
		Select("COALESCE(SUM(duration), 0)").
		Where("timestamp >= ?", since).
		Scan(&total)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to sum sample durations")
	}
	return total, nil
}

// DeleteOldSamples deletes samples and events older than a specified date (soft delete)
func (r *Repository) DeleteOldSamples(before time.Time) (int64, error) {
	result := r.db.Where("timestamp < ?", before).Delete(&models.StatusSample{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete old samples")
	}
	deleted := result.RowsAffected

	result = r.db.Where("timestamp < ?", before).Delete(&models.LockEvent{})
	if result.Error != nil {
		return deleted, errors.Wrap(result.Error, "failed to delete old events")
	}
	return deleted + result.RowsAffected, nil
}

// CreateErrorLog inserts a new error log into the database
func (r *Repository) CreateErrorLog(errorLog *models.ErrorLog) error {
	if errorLog.Timestamp.IsZero() {
		errorLog.Timestamp = time.Now()
	}
	result := r.db.Create(errorLog)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert error log")
	}
	return nil
}

// GetErrorLogsSince retrieves error logs since a given time, newest first
func (r *Repository) GetErrorLogsSince(since time.Time) ([]*models.ErrorLog, error) {
	var logs []*models.ErrorLog
	result := r.db.Where("timestamp >= ?", since).Order("timestamp DESC").Find(&logs)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query error logs")
	}
	return logs, nil
}

// Clear removes all tracking data from the database
func (r *Repository) Clear() error {
	for _, table := range []string{"lock_events", "status_samples", "error_logs"} {
		if result := r.db.Exec("DELETE FROM " + table); result.Error != nil {
			return errors.Wrapf(result.Error, "failed to clear %s", table)
		}
	}
	return nil
}
