// Package registry tracks monitored URL subscriptions: which tasks are
// eligible for polling, their per-task error counts, and the
// active/paused state machine. The hot copy lives in memory; a durable
// store mirrors every mutation so tasks survive restarts.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
)

// PauseThreshold is the number of consecutive per-task errors that
// flips a task from active to paused.
const PauseThreshold = 5

// Store is the durable backing for registry rows. Writes happen outside
// the registry's map lock; store failures are logged, never fatal.
type Store interface {
	Save(ctx context.Context, m *domain.MonitoredURL) error
	Delete(ctx context.Context, taskID string) error
	UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
	UpdateCheckStats(ctx context.Context, taskID string, lastCheck time.Time, notificationsSent int64) error
	LoadRestorable(ctx context.Context) ([]*domain.MonitoredURL, error)
}

// Metrics is a read-only snapshot of registry counters.
type Metrics struct {
	TotalMonitored  int        `json:"total_monitored"`
	Active          int        `json:"active"`
	Paused          int        `json:"paused"`
	TotalRegistered int64      `json:"total_registered"`
	TotalStopped    int64      `json:"total_stopped"`
	TotalErrors     int64      `json:"total_errors"`
	LastError       *LastError `json:"last_error,omitempty"`
}

// LastError records the most recent per-task error for diagnostics.
type LastError struct {
	TaskID    string    `json:"task_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry is the monitored URL registry.
type Registry struct {
	store Store
	log   logger.Interface

	mu    sync.Mutex
	tasks map[string]*domain.MonitoredURL

	totalRegistered int64
	totalStopped    int64
	totalErrors     int64
	lastError       *LastError
}

// New creates an empty registry backed by the given store.
func New(store Store, log logger.Interface) *Registry {
	return &Registry{
		store: store,
		log:   log,
		tasks: make(map[string]*domain.MonitoredURL),
	}
}

// Restore loads active and paused rows from the store. Called once at
// startup, before any monitor runs.
func (r *Registry) Restore(ctx context.Context) error {
	urls, err := r.store.LoadRestorable(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, m := range urls {
		m.ErrorCount = 0 // error streaks do not survive restarts
		r.tasks[m.TaskID] = m
	}
	r.totalRegistered = int64(len(r.tasks))
	r.mu.Unlock()

	r.log.Info("restored monitored urls from database", "count", len(urls))
	return nil
}

// Register adds a new subscription. Returns false if the task id is
// already registered.
func (r *Registry) Register(ctx context.Context, m domain.MonitoredURL) (bool, error) {
	m.Filter.Normalize()
	if err := m.Validate(); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = now
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = now
	}
	m.Status = domain.TaskStatusActive
	m.ErrorCount = 0

	r.mu.Lock()
	if _, exists := r.tasks[m.TaskID]; exists {
		r.mu.Unlock()
		return false, nil
	}
	r.tasks[m.TaskID] = &m
	r.totalRegistered++
	r.mu.Unlock()

	if err := r.store.Save(ctx, &m); err != nil {
		r.log.Error("failed to persist registration",
			"task_id", m.TaskID, "error", err)
	}
	return true, nil
}

// Unregister removes a subscription entirely. Returns false if unknown.
func (r *Registry) Unregister(ctx context.Context, taskID string) bool {
	r.mu.Lock()
	if _, exists := r.tasks[taskID]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.tasks, taskID)
	r.totalStopped++
	r.mu.Unlock()

	if err := r.store.Delete(ctx, taskID); err != nil {
		r.log.Error("failed to delete registration",
			"task_id", taskID, "error", err)
	}
	return true
}

// Get returns a copy of the task, if registered.
func (r *Registry) Get(taskID string) (domain.MonitoredURL, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tasks[taskID]
	if !ok {
		return domain.MonitoredURL{}, false
	}
	return *m, true
}

// ListActive returns copies of every active task for the platform.
func (r *Registry) ListActive(platform domain.Platform) []domain.MonitoredURL {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.MonitoredURL
	for _, m := range r.tasks {
		if m.Platform == platform && m.Status == domain.TaskStatusActive {
			out = append(out, *m)
		}
	}
	return out
}

// IncrementError records a per-task transient error. Crossing the pause
// threshold flips the task to paused and returns a snapshot of the
// just-paused task so the caller can fire a one-time owner
// notification; otherwise returns nil.
func (r *Registry) IncrementError(ctx context.Context, taskID, message string) *domain.MonitoredURL {
	var pausedSnapshot *domain.MonitoredURL

	r.mu.Lock()
	m, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	m.ErrorCount++
	m.LastError = message
	m.LastCheck = time.Now().UTC()
	r.totalErrors++
	r.lastError = &LastError{
		TaskID:    taskID,
		Message:   message,
		Timestamp: m.LastCheck,
	}

	if m.ErrorCount >= PauseThreshold && m.Status == domain.TaskStatusActive {
		m.Status = domain.TaskStatusPaused
		snapshot := *m
		pausedSnapshot = &snapshot
	}
	r.mu.Unlock()

	if pausedSnapshot != nil {
		r.log.Warn("task paused after consecutive errors",
			"task_id", taskID, "errors", pausedSnapshot.ErrorCount)
		if err := r.store.UpdateStatus(ctx, taskID, domain.TaskStatusPaused); err != nil {
			r.log.Error("failed to persist pause", "task_id", taskID, "error", err)
		}
	}
	return pausedSnapshot
}

// RecordSuccess resets the task's error streak, stamps the check time,
// and accumulates the notifications-sent counter.
func (r *Registry) RecordSuccess(ctx context.Context, taskID string, newItemCount int) {
	r.mu.Lock()
	m, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	m.ErrorCount = 0
	m.LastError = ""
	m.LastCheck = time.Now().UTC()
	m.NotificationsSent += int64(newItemCount)
	lastCheck := m.LastCheck
	sent := m.NotificationsSent
	r.mu.Unlock()

	if err := r.store.UpdateCheckStats(ctx, taskID, lastCheck, sent); err != nil {
		r.log.Error("failed to persist check stats", "task_id", taskID, "error", err)
	}
}

// Pause marks the task paused. Returns false if unknown.
func (r *Registry) Pause(ctx context.Context, taskID string) bool {
	return r.setStatus(ctx, taskID, domain.TaskStatusPaused, false)
}

// Resume marks the task active and resets its error streak. Returns
// false if unknown.
func (r *Registry) Resume(ctx context.Context, taskID string) bool {
	return r.setStatus(ctx, taskID, domain.TaskStatusActive, true)
}

func (r *Registry) setStatus(ctx context.Context, taskID string, status domain.TaskStatus, resetErrors bool) bool {
	r.mu.Lock()
	m, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	m.Status = status
	if resetErrors {
		m.ErrorCount = 0
		m.LastError = ""
	}
	r.mu.Unlock()

	if err := r.store.UpdateStatus(ctx, taskID, status); err != nil {
		r.log.Error("failed to persist status change",
			"task_id", taskID, "status", status, "error", err)
	}
	return true
}

// PauseAll marks every task paused and returns how many were touched.
// Used at shutdown: paused rows rehydrate on restart, deleted ones would
// not.
func (r *Registry) PauseAll(ctx context.Context) int {
	r.mu.Lock()
	var ids []string
	for id, m := range r.tasks {
		if m.Status == domain.TaskStatusActive || m.Status == domain.TaskStatusPaused {
			m.Status = domain.TaskStatusPaused
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.store.UpdateStatus(ctx, id, domain.TaskStatusPaused); err != nil {
			r.log.Error("failed to persist shutdown pause", "task_id", id, "error", err)
		}
	}

	r.log.Info("paused all tasks for shutdown", "count", len(ids))
	return len(ids)
}

// GetMetrics returns a snapshot of registry counters.
func (r *Registry) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := Metrics{
		TotalMonitored:  len(r.tasks),
		TotalRegistered: r.totalRegistered,
		TotalStopped:    r.totalStopped,
		TotalErrors:     r.totalErrors,
		LastError:       r.lastError,
	}
	for _, t := range r.tasks {
		switch t.Status {
		case domain.TaskStatusActive:
			m.Active++
		case domain.TaskStatusPaused:
			m.Paused++
		}
	}
	return m
}

// List returns copies of every task, regardless of status.
func (r *Registry) List() []domain.MonitoredURL {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.MonitoredURL, 0, len(r.tasks))
	for _, m := range r.tasks {
		out = append(out, *m)
	}
	return out
}
