package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/adwatch/internal/domain"
)

// MonitoredURLRepository handles database operations for monitored URL
// rows. The registry keeps the hot copy in memory; this repository is
// its durable backing so paused rows survive restarts.
type MonitoredURLRepository struct {
	db *sqlx.DB
}

// NewMonitoredURLRepository creates a new monitored URL repository.
func NewMonitoredURLRepository(db *sqlx.DB) *MonitoredURLRepository {
	return &MonitoredURLRepository{db: db}
}

// monitoredURLRow is the database shape; filter and channel configs are
// stored as JSON text.
type monitoredURLRow struct {
	TaskID            string       `db:"task_id"`
	URL               string       `db:"url"`
	Platform          string       `db:"platform"`
	UserID            int64        `db:"user_id"`
	FilterConfig      string       `db:"filter_config"`
	ChannelConfig     string       `db:"channel_config"`
	Status            string       `db:"status"`
	LastError         string       `db:"last_error"`
	RegisteredAt      time.Time    `db:"registered_at"`
	StartedAt         time.Time    `db:"started_at"`
	LastCheck         sql.NullTime `db:"last_check"`
	NotificationsSent int64        `db:"notifications_sent"`
}

func toRow(m *domain.MonitoredURL) (*monitoredURLRow, error) {
	filterJSON, err := json.Marshal(m.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter config: %w", err)
	}
	channelJSON, err := json.Marshal(m.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to encode channel config: %w", err)
	}

	row := &monitoredURLRow{
		TaskID:            m.TaskID,
		URL:               m.URL,
		Platform:          string(m.Platform),
		UserID:            m.UserID,
		FilterConfig:      string(filterJSON),
		ChannelConfig:     string(channelJSON),
		Status:            string(m.Status),
		LastError:         m.LastError,
		RegisteredAt:      m.RegisteredAt,
		StartedAt:         m.StartedAt,
		NotificationsSent: m.NotificationsSent,
	}
	if !m.LastCheck.IsZero() {
		row.LastCheck = sql.NullTime{Time: m.LastCheck, Valid: true}
	}
	return row, nil
}

func (r *monitoredURLRow) toDomain() (*domain.MonitoredURL, error) {
	m := &domain.MonitoredURL{
		TaskID:            r.TaskID,
		URL:               r.URL,
		Platform:          domain.Platform(r.Platform),
		UserID:            r.UserID,
		Status:            domain.TaskStatus(r.Status),
		LastError:         r.LastError,
		RegisteredAt:      r.RegisteredAt,
		StartedAt:         r.StartedAt,
		NotificationsSent: r.NotificationsSent,
	}
	if r.LastCheck.Valid {
		m.LastCheck = r.LastCheck.Time
	}
	if err := json.Unmarshal([]byte(r.FilterConfig), &m.Filter); err != nil {
		return nil, fmt.Errorf("failed to decode filter config for %s: %w", r.TaskID, err)
	}
	if err := json.Unmarshal([]byte(r.ChannelConfig), &m.Channel); err != nil {
		return nil, fmt.Errorf("failed to decode channel config for %s: %w", r.TaskID, err)
	}
	return m, nil
}

// Save inserts or replaces a monitored URL row.
func (r *MonitoredURLRepository) Save(ctx context.Context, m *domain.MonitoredURL) error {
	row, err := toRow(m)
	if err != nil {
		return err
	}

	query := `
		INSERT OR REPLACE INTO monitored_urls
		(task_id, url, platform, user_id, filter_config, channel_config,
		 status, last_error, registered_at, started_at, last_check, notifications_sent)
		VALUES (:task_id, :url, :platform, :user_id, :filter_config, :channel_config,
		 :status, :last_error, :registered_at, :started_at, :last_check, :notifications_sent)
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save monitored url %s: %w", m.TaskID, err)
	}
	return nil
}

// Delete removes a monitored URL row.
func (r *MonitoredURLRepository) Delete(ctx context.Context, taskID string) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM monitored_urls WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("failed to delete monitored url %s: %w", taskID, err)
	}
	return nil
}

// UpdateStatus persists a status change.
func (r *MonitoredURLRepository) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE monitored_urls SET status = ? WHERE task_id = ?",
		string(status), taskID); err != nil {
		return fmt.Errorf("failed to update status for %s: %w", taskID, err)
	}
	return nil
}

// UpdateCheckStats persists last-check time and the cumulative
// notifications-sent counter.
func (r *MonitoredURLRepository) UpdateCheckStats(ctx context.Context, taskID string, lastCheck time.Time, notificationsSent int64) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE monitored_urls SET last_check = ?, notifications_sent = ? WHERE task_id = ?",
		lastCheck, notificationsSent, taskID); err != nil {
		return fmt.Errorf("failed to update check stats for %s: %w", taskID, err)
	}
	return nil
}

// LoadRestorable returns every active and paused row. Called once at
// startup; shutdown writes paused rather than deleting precisely so
// these rows rehydrate.
func (r *MonitoredURLRepository) LoadRestorable(ctx context.Context) ([]*domain.MonitoredURL, error) {
	var rows []monitoredURLRow
	query := `
		SELECT task_id, url, platform, user_id, filter_config, channel_config,
		       status, last_error, registered_at, started_at, last_check, notifications_sent
		FROM monitored_urls
		WHERE status IN ('active', 'paused')
	`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load monitored urls: %w", err)
	}

	urls := make([]*domain.MonitoredURL, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toDomain()
		if err != nil {
			// Skip undecodable rows rather than refusing to start.
			continue
		}
		urls = append(urls, m)
	}
	return urls, nil
}
