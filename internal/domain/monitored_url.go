package domain

import (
	"errors"
	"time"
)

// TaskStatus is the lifecycle state of a monitored URL.
type TaskStatus string

const (
	// TaskStatusActive means the task is eligible for polling.
	TaskStatusActive TaskStatus = "active"

	// TaskStatusPaused means the task is excluded from polling until
	// explicitly resumed. Shutdown also writes paused, never deletes,
	// so rows rehydrate on restart.
	TaskStatusPaused TaskStatus = "paused"
)

// ChannelConfig holds the delivery credentials for one subscriber.
type ChannelConfig struct {
	BotToken string   `json:"bot_token" mapstructure:"bot_token"`
	ChatIDs  []string `json:"chat_ids" mapstructure:"chat_ids"`
}

// Configured reports whether the channel can actually deliver.
func (c ChannelConfig) Configured() bool {
	return c.BotToken != "" && len(c.ChatIDs) > 0
}

// MonitoredURL is one user's subscription to one search query on one
// platform.
type MonitoredURL struct {
	TaskID   string        `json:"task_id"`
	URL      string        `json:"url"`
	Platform Platform      `json:"platform"`
	UserID   int64         `json:"user_id"`
	Filter   FilterConfig  `json:"filter"`
	Channel  ChannelConfig `json:"channel"`

	ErrorCount int        `json:"error_count"`
	Status     TaskStatus `json:"status"`
	LastError  string     `json:"last_error,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`

	// StartedAt anchors the subscription time-window filter: listings
	// published before it are never notified on, preventing a backlog
	// flood at registration time. Preserved across restarts.
	StartedAt time.Time `json:"started_at"`

	LastCheck         time.Time `json:"last_check,omitempty"`
	NotificationsSent int64     `json:"notifications_sent"`
}

// Validate checks the fields required for registration.
func (m *MonitoredURL) Validate() error {
	if m.TaskID == "" {
		return errors.New("task id is required")
	}
	if m.URL == "" {
		return errors.New("url is required")
	}
	if !m.Platform.IsValid() {
		return errors.New("unknown platform: " + string(m.Platform))
	}
	if m.UserID <= 0 {
		return errors.New("user id is required")
	}
	return m.Filter.Validate()
}
