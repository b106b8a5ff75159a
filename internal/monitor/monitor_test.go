package monitor_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/adwatch/internal/cookies"
	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/fetch"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/monitor"
)

// avitoPage builds a minimal catalog page with one listing.
func avitoPage(id int64, price int64, publishedAt time.Time) []byte {
	return []byte(fmt.Sprintf(`<html><body><script type="mime/invalid">
{"state":{"data":{"catalog":{"items":[
  {"id":%d,"title":"Квартира","priceDetailed":{"value":%d},
   "urlPath":"/moskva/kvartiry/x_%d","sortTimeStamp":%d}
]}}}}
</script></body></html>`, id, price, id, publishedAt.UnixMilli()))
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*fetch.Result
	err     error
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string, _ domain.Platform) (*fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, rawURL)
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.pages[rawURL]; ok {
		return res, nil
	}
	return &fetch.Result{StatusCode: http.StatusOK, Body: avitoPage(1, 100, time.Now())}, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type fakeRegistry struct {
	mu        sync.Mutex
	tasks     []domain.MonitoredURL
	errors    map[string]int
	successes map[string]int
	threshold int
}

func newFakeRegistry(tasks ...domain.MonitoredURL) *fakeRegistry {
	return &fakeRegistry{
		tasks:     tasks,
		errors:    make(map[string]int),
		successes: make(map[string]int),
		threshold: 5,
	}
}

func (r *fakeRegistry) ListActive(platform domain.Platform) []domain.MonitoredURL {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MonitoredURL
	for _, t := range r.tasks {
		if t.Platform == platform {
			out = append(out, t)
		}
	}
	return out
}

func (r *fakeRegistry) IncrementError(_ context.Context, taskID, message string) *domain.MonitoredURL {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[taskID]++
	if r.errors[taskID] >= r.threshold {
		for _, t := range r.tasks {
			if t.TaskID == taskID {
				snapshot := t
				snapshot.Status = domain.TaskStatusPaused
				snapshot.ErrorCount = r.errors[taskID]
				snapshot.LastError = message
				return &snapshot
			}
		}
	}
	return nil
}

func (r *fakeRegistry) RecordSuccess(_ context.Context, taskID string, newItemCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes[taskID] += newItemCount
	r.errors[taskID] = 0
}

type fakeRotation struct {
	mu           sync.Mutex
	notReady     bool
	handleBlocks int
}

func (f *fakeRotation) WaitIfNotReady(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.notReady
}

func (f *fakeRotation) HandleBlock(_ context.Context, _ domain.Platform, _ []domain.MonitoredURL) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handleBlocks++
}

func (f *fakeRotation) blocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handleBlocks
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[string]bool)}
}

func (d *fakeDedup) key(id string, price int64, userID int64) string {
	return fmt.Sprintf("%s|%d|%d", id, price, userID)
}

func (d *fakeDedup) Exists(_ context.Context, id string, price int64, userID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[d.key(id, price, userID)], nil
}

func (d *fakeDedup) Record(_ context.Context, listings []domain.Listing, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range listings {
		d.seen[d.key(l.ID, l.Price, userID)] = true
	}
	return nil
}

func (d *fakeDedup) CleanupOlderThan(_ context.Context, _ int) (int64, error) {
	return 0, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	ads    []domain.Listing
	system []string
}

func (n *fakeNotifier) EnqueueAd(l domain.Listing, _ domain.ChannelConfig) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ads = append(n.ads, l)
	return true
}

func (n *fakeNotifier) EnqueueSystem(text string, _ domain.ChannelConfig) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.system = append(n.system, text)
	return true
}

func (n *fakeNotifier) adCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ads)
}

func testMonitorConfig() monitor.Config {
	cfg := monitor.DefaultConfig(domain.PlatformAvito)
	cfg.Workers = 1
	cfg.CycleInterval = time.Hour // single cycle per test
	cfg.IdleInterval = time.Millisecond
	cfg.FetchDelayMin = 0
	cfg.FetchDelayMax = 0
	cfg.BlockCooldown = 10 * time.Millisecond
	cfg.BlockCooldownMax = 20 * time.Millisecond
	return cfg
}

func testTask(id, url string) domain.MonitoredURL {
	return domain.MonitoredURL{
		TaskID:    id,
		URL:       url,
		Platform:  domain.PlatformAvito,
		UserID:    42,
		Status:    domain.TaskStatusActive,
		StartedAt: time.Now().Add(-time.Hour),
		Channel:   domain.ChannelConfig{BotToken: "t", ChatIDs: []string{"1"}},
	}
}

func startAndWaitCycle(t *testing.T, m *monitor.Monitor) {
	t.Helper()
	m.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.GetMetrics().TotalCycles >= 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a cycle")
}

func TestMonitorEnqueuesNewListings(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*fetch.Result{
		"https://a/1": {StatusCode: http.StatusOK, Body: avitoPage(1001, 500000, time.Now())},
	}}
	reg := newFakeRegistry(testTask("t1", "https://a/1"))
	rot := &fakeRotation{}
	dedup := newFakeDedup()
	notifier := &fakeNotifier{}

	m, err := monitor.New(testMonitorConfig(), reg, rot, dedup, notifier,
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	assert.Equal(t, 1, notifier.adCount())
	assert.Equal(t, "1001", notifier.ads[0].ID)

	seen, err := dedup.Exists(context.Background(), "1001", 500000, 42)
	require.NoError(t, err)
	assert.True(t, seen, "sent listings must be recorded as viewed")
	assert.Equal(t, 1, reg.successes["t1"])
}

func TestMonitorSkipsSeenListings(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*fetch.Result{
		"https://a/1": {StatusCode: http.StatusOK, Body: avitoPage(1001, 500000, time.Now())},
	}}
	reg := newFakeRegistry(testTask("t1", "https://a/1"))
	dedup := newFakeDedup()
	require.NoError(t, dedup.Record(context.Background(),
		[]domain.Listing{{ID: "1001", Price: 500000}}, 42))
	notifier := &fakeNotifier{}

	m, err := monitor.New(testMonitorConfig(), reg, &fakeRotation{}, dedup, notifier,
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	assert.Equal(t, 0, notifier.adCount())
}

func TestMonitorPriceChangeIsNewAgain(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*fetch.Result{
		"https://a/1": {StatusCode: http.StatusOK, Body: avitoPage(1001, 450000, time.Now())},
	}}
	reg := newFakeRegistry(testTask("t1", "https://a/1"))
	dedup := newFakeDedup()
	// Seen earlier at a different price.
	require.NoError(t, dedup.Record(context.Background(),
		[]domain.Listing{{ID: "1001", Price: 500000}}, 42))
	notifier := &fakeNotifier{}

	m, err := monitor.New(testMonitorConfig(), reg, &fakeRotation{}, dedup, notifier,
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	assert.Equal(t, 1, notifier.adCount())
}

func TestMonitorTimeWindowFilter(t *testing.T) {
	// Published an hour before the subscription started.
	fetcher := &fakeFetcher{pages: map[string]*fetch.Result{
		"https://a/1": {StatusCode: http.StatusOK, Body: avitoPage(1001, 500000, time.Now().Add(-2*time.Hour))},
	}}
	task := testTask("t1", "https://a/1")
	task.StartedAt = time.Now().Add(-time.Hour)
	reg := newFakeRegistry(task)
	notifier := &fakeNotifier{}

	m, err := monitor.New(testMonitorConfig(), reg, &fakeRotation{}, newFakeDedup(), notifier,
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	assert.Equal(t, 0, notifier.adCount(),
		"listings published before the subscription start must not notify")
}

func TestMonitorBlockShortCircuitsCycle(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*fetch.Result{
		"https://a/1": {StatusCode: http.StatusForbidden},
		"https://a/2": {StatusCode: http.StatusOK, Body: avitoPage(2, 100, time.Now())},
		"https://a/3": {StatusCode: http.StatusOK, Body: avitoPage(3, 100, time.Now())},
	}}
	reg := newFakeRegistry(
		testTask("t1", "https://a/1"),
		testTask("t2", "https://a/2"),
		testTask("t3", "https://a/3"),
	)
	rot := &fakeRotation{}

	cfg := testMonitorConfig()
	// Keep the blocked monitor in its cooldown so a second cycle cannot
	// start before the assertions run.
	cfg.BlockCooldown = time.Hour
	cfg.BlockCooldownMax = time.Hour
	m, err := monitor.New(cfg, reg, rot, newFakeDedup(), &fakeNotifier{},
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	assert.Equal(t, 1, fetcher.fetchCount(),
		"remaining URLs must not be fetched after a block")
	assert.Equal(t, 1, rot.blocks(), "handle_block must fire exactly once per cycle")

	metrics := m.GetMetrics()
	assert.Equal(t, int64(1), metrics.BlocksDetected)
	assert.Equal(t, 1, metrics.ConsecutiveBlocks)
	assert.Equal(t, int64(0), metrics.TotalErrors,
		"a block is not a per-task error")
}

func TestMonitorFetchErrorIncrementsTask(t *testing.T) {
	fetcher := &fakeFetcher{err: fmt.Errorf("connection refused")}
	reg := newFakeRegistry(testTask("t1", "https://a/1"))

	m, err := monitor.New(testMonitorConfig(), reg, &fakeRotation{}, newFakeDedup(), &fakeNotifier{},
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, 1, reg.errors["t1"])
}

func TestMonitorPauseNotifiesOwner(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*fetch.Result{
		"https://a/1": {StatusCode: http.StatusInternalServerError},
	}}
	reg := newFakeRegistry(testTask("t1", "https://a/1"))
	reg.threshold = 1 // pause on the first error
	notifier := &fakeNotifier{}

	m, err := monitor.New(testMonitorConfig(), reg, &fakeRotation{}, newFakeDedup(), notifier,
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.system, 1)
	assert.Contains(t, notifier.system[0], "приостановлен")
}

func TestMonitorEmptyCookiesSkipCycle(t *testing.T) {
	fetcher := &fakeFetcher{err: fmt.Errorf("avito: %w", cookies.ErrNoCookies)}
	reg := newFakeRegistry(
		testTask("t1", "https://a/1"),
		testTask("t2", "https://a/2"),
	)
	rot := &fakeRotation{}

	m, err := monitor.New(testMonitorConfig(), reg, rot, newFakeDedup(), &fakeNotifier{},
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	assert.Equal(t, 1, fetcher.fetchCount(),
		"remaining URLs must be skipped once the harvest comes back empty")
	assert.Equal(t, 0, rot.blocks(), "an empty harvest is not a block")
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, 0, reg.errors["t1"], "an empty harvest is not a task error")
}

type fakeJar struct {
	mu          sync.Mutex
	invalidated []domain.Platform
}

func (j *fakeJar) Invalidate(platform domain.Platform) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.invalidated = append(j.invalidated, platform)
}

func TestMonitorBlockInvalidatesCookies(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*fetch.Result{
		"https://a/1": {StatusCode: http.StatusForbidden},
	}}
	reg := newFakeRegistry(testTask("t1", "https://a/1"))
	jar := &fakeJar{}

	cfg := testMonitorConfig()
	cfg.BlockCooldown = time.Hour
	cfg.BlockCooldownMax = time.Hour
	m, err := monitor.New(cfg, reg, &fakeRotation{}, newFakeDedup(), &fakeNotifier{},
		func() (fetch.Fetcher, error) { return fetcher, nil }, jar, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	jar.mu.Lock()
	defer jar.mu.Unlock()
	require.Len(t, jar.invalidated, 1, "a blocked cycle must drop the burned cookie set once")
	assert.Equal(t, domain.PlatformAvito, jar.invalidated[0])
}

func TestMonitorRestart(t *testing.T) {
	fetcher := &fakeFetcher{}
	reg := newFakeRegistry(testTask("t1", "https://a/1"))

	m, err := monitor.New(testMonitorConfig(), reg, &fakeRotation{}, newFakeDedup(), &fakeNotifier{},
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()
	require.False(t, m.IsRunning())
	firstRun := m.GetMetrics().TotalCycles

	// Stop then Start is reachable through the control API; the second
	// run must get a fresh lifecycle.
	m.Start(context.Background())
	require.True(t, m.IsRunning())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.GetMetrics().TotalCycles > firstRun {
			break
		}
		time.Sleep(time.Millisecond)
	}
	m.Stop()

	assert.Greater(t, m.GetMetrics().TotalCycles, firstRun,
		"a restarted monitor must keep cycling")
	assert.False(t, m.IsRunning())
}

func TestMonitorNoWorkersAbortsCycle(t *testing.T) {
	reg := newFakeRegistry(testTask("t1", "https://a/1"))

	cfg := testMonitorConfig()
	cfg.CycleInterval = time.Hour
	m, err := monitor.New(cfg, reg, &fakeRotation{}, newFakeDedup(), &fakeNotifier{},
		func() (fetch.Fetcher, error) { return nil, fmt.Errorf("bad proxy url") }, nil, logger.NewNoOp())
	require.NoError(t, err)

	// Without a worker the cycle must still complete instead of wedging
	// on the task channel.
	startAndWaitCycle(t, m)
	m.Stop()

	assert.GreaterOrEqual(t, m.GetMetrics().TotalCycles, int64(1))
}

func TestMonitorProxyFailedSkipsFetches(t *testing.T) {
	fetcher := &fakeFetcher{}
	reg := newFakeRegistry(testTask("t1", "https://a/1"))
	rot := &fakeRotation{notReady: true}

	m, err := monitor.New(testMonitorConfig(), reg, rot, newFakeDedup(), &fakeNotifier{},
		func() (fetch.Fetcher, error) { return fetcher, nil }, nil, logger.NewNoOp())
	require.NoError(t, err)

	startAndWaitCycle(t, m)
	m.Stop()

	assert.Equal(t, 0, fetcher.fetchCount())
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, 0, reg.errors["t1"], "a failed proxy is not the task's fault")
}
