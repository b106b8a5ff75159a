package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/registry"
)

// memoryStore is an in-memory Store for registry tests.
type memoryStore struct {
	mu          sync.Mutex
	saved       map[string]*domain.MonitoredURL
	statuses    map[string]domain.TaskStatus
	deleted     []string
	restorable  []*domain.MonitoredURL
	statsWrites int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		saved:    make(map[string]*domain.MonitoredURL),
		statuses: make(map[string]domain.TaskStatus),
	}
}

func (s *memoryStore) Save(_ context.Context, m *domain.MonitoredURL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.saved[m.TaskID] = &cp
	return nil
}

func (s *memoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, taskID)
	return nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, taskID string, status domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = status
	return nil
}

func (s *memoryStore) UpdateCheckStats(_ context.Context, _ string, _ time.Time, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsWrites++
	return nil
}

func (s *memoryStore) LoadRestorable(_ context.Context) ([]*domain.MonitoredURL, error) {
	return s.restorable, nil
}

func (s *memoryStore) statusOf(taskID string) domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[taskID]
}

func testTask(taskID string, userID int64) domain.MonitoredURL {
	return domain.MonitoredURL{
		TaskID:   taskID,
		URL:      "https://www.avito.ru/moskva/kvartiry/prodam",
		Platform: domain.PlatformAvito,
		UserID:   userID,
		Channel:  domain.ChannelConfig{BotToken: "t", ChatIDs: []string{"1"}},
	}
}

func TestRegisterAndListActive(t *testing.T) {
	store := newMemoryStore()
	reg := registry.New(store, logger.NewNoOp())

	ok, err := reg.Register(context.Background(), testTask("task-1", 42))
	require.NoError(t, err)
	require.True(t, ok)

	active := reg.ListActive(domain.PlatformAvito)
	require.Len(t, active, 1)
	assert.Equal(t, "task-1", active[0].TaskID)
	assert.Equal(t, int64(42), active[0].UserID)
	assert.Equal(t, domain.TaskStatusActive, active[0].Status)
	assert.Equal(t, 0, active[0].ErrorCount)

	assert.Empty(t, reg.ListActive(domain.PlatformCian))

	store.mu.Lock()
	_, persisted := store.saved["task-1"]
	store.mu.Unlock()
	assert.True(t, persisted)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	reg := registry.New(newMemoryStore(), logger.NewNoOp())

	ok, err := reg.Register(context.Background(), testTask("task-1", 42))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = reg.Register(context.Background(), testTask("task-1", 99))
	require.NoError(t, err)
	assert.False(t, ok)

	m, found := reg.Get("task-1")
	require.True(t, found)
	assert.Equal(t, int64(42), m.UserID)
}

func TestRegisterInvalidTask(t *testing.T) {
	reg := registry.New(newMemoryStore(), logger.NewNoOp())

	_, err := reg.Register(context.Background(), domain.MonitoredURL{TaskID: "x"})
	assert.Error(t, err)
}

func TestIncrementErrorPausesOnFifthOnly(t *testing.T) {
	store := newMemoryStore()
	reg := registry.New(store, logger.NewNoOp())
	_, err := reg.Register(context.Background(), testTask("task-1", 42))
	require.NoError(t, err)

	for i := 1; i < registry.PauseThreshold; i++ {
		snap := reg.IncrementError(context.Background(), "task-1", "http 500")
		assert.Nil(t, snap, "call %d must not pause", i)
	}

	snap := reg.IncrementError(context.Background(), "task-1", "http 500")
	require.NotNil(t, snap)
	assert.Equal(t, domain.TaskStatusPaused, snap.Status)
	assert.Equal(t, registry.PauseThreshold, snap.ErrorCount)
	assert.Equal(t, domain.TaskStatusPaused, store.statusOf("task-1"))

	// Past the threshold the task is already paused; no second snapshot.
	assert.Nil(t, reg.IncrementError(context.Background(), "task-1", "http 500"))
}

func TestRecordSuccessResetsErrorStreak(t *testing.T) {
	reg := registry.New(newMemoryStore(), logger.NewNoOp())
	_, err := reg.Register(context.Background(), testTask("task-1", 42))
	require.NoError(t, err)

	for i := 0; i < registry.PauseThreshold-1; i++ {
		assert.Nil(t, reg.IncrementError(context.Background(), "task-1", "timeout"))
	}
	reg.RecordSuccess(context.Background(), "task-1", 3)

	// The streak restarted, so four more errors still do not pause.
	for i := 0; i < registry.PauseThreshold-1; i++ {
		assert.Nil(t, reg.IncrementError(context.Background(), "task-1", "timeout"))
	}
	assert.NotNil(t, reg.IncrementError(context.Background(), "task-1", "timeout"))

	m, found := reg.Get("task-1")
	require.True(t, found)
	assert.Equal(t, int64(3), m.NotificationsSent)
}

func TestPauseResume(t *testing.T) {
	store := newMemoryStore()
	reg := registry.New(store, logger.NewNoOp())
	_, err := reg.Register(context.Background(), testTask("task-1", 42))
	require.NoError(t, err)

	require.True(t, reg.Pause(context.Background(), "task-1"))
	assert.Empty(t, reg.ListActive(domain.PlatformAvito))
	assert.Equal(t, domain.TaskStatusPaused, store.statusOf("task-1"))

	require.True(t, reg.Resume(context.Background(), "task-1"))
	assert.Len(t, reg.ListActive(domain.PlatformAvito), 1)

	m, _ := reg.Get("task-1")
	assert.Equal(t, 0, m.ErrorCount)

	assert.False(t, reg.Pause(context.Background(), "nope"))
	assert.False(t, reg.Resume(context.Background(), "nope"))
}

func TestUnregister(t *testing.T) {
	store := newMemoryStore()
	reg := registry.New(store, logger.NewNoOp())
	_, err := reg.Register(context.Background(), testTask("task-1", 42))
	require.NoError(t, err)

	assert.True(t, reg.Unregister(context.Background(), "task-1"))
	assert.False(t, reg.Unregister(context.Background(), "task-1"))

	_, found := reg.Get("task-1")
	assert.False(t, found)
	assert.Contains(t, store.deleted, "task-1")
}

func TestPauseAllAndRestore(t *testing.T) {
	store := newMemoryStore()
	reg := registry.New(store, logger.NewNoOp())
	_, err := reg.Register(context.Background(), testTask("task-1", 1))
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), testTask("task-2", 2))
	require.NoError(t, err)

	assert.Equal(t, 2, reg.PauseAll(context.Background()))
	assert.Equal(t, domain.TaskStatusPaused, store.statusOf("task-1"))
	assert.Equal(t, domain.TaskStatusPaused, store.statusOf("task-2"))

	// A fresh registry rehydrates the paused rows with clean error counts.
	task := testTask("task-1", 1)
	task.Status = domain.TaskStatusPaused
	task.ErrorCount = 3
	store.restorable = []*domain.MonitoredURL{&task}

	reg2 := registry.New(store, logger.NewNoOp())
	require.NoError(t, reg2.Restore(context.Background()))

	m, found := reg2.Get("task-1")
	require.True(t, found)
	assert.Equal(t, domain.TaskStatusPaused, m.Status)
	assert.Equal(t, 0, m.ErrorCount)
}

func TestGetMetrics(t *testing.T) {
	reg := registry.New(newMemoryStore(), logger.NewNoOp())
	_, err := reg.Register(context.Background(), testTask("task-1", 1))
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), testTask("task-2", 2))
	require.NoError(t, err)

	require.True(t, reg.Pause(context.Background(), "task-2"))
	reg.IncrementError(context.Background(), "task-1", "boom")

	m := reg.GetMetrics()
	assert.Equal(t, 2, m.TotalMonitored)
	assert.Equal(t, 1, m.Active)
	assert.Equal(t, 1, m.Paused)
	assert.Equal(t, int64(2), m.TotalRegistered)
	assert.Equal(t, int64(1), m.TotalErrors)
	require.NotNil(t, m.LastError)
	assert.Equal(t, "task-1", m.LastError.TaskID)
}
