// Package monitor drives the polling loop for one classifieds platform:
// each cycle it fans the active subscriptions out to a small worker
// pool, fetches their catalog pages through the shared proxy, parses
// and filters the listings, and queues notifications for unseen ones.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/adwatch/internal/cookies"
	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/fetch"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/parser"
)

// RotationGate is the slice of the rotation coordinator the monitor
// uses: workers hold before fetching and report blocks.
type RotationGate interface {
	WaitIfNotReady(ctx context.Context) bool
	HandleBlock(ctx context.Context, platform domain.Platform, activeTasks []domain.MonitoredURL)
}

// TaskRegistry is the slice of the registry the monitor uses.
type TaskRegistry interface {
	ListActive(platform domain.Platform) []domain.MonitoredURL
	IncrementError(ctx context.Context, taskID, message string) *domain.MonitoredURL
	RecordSuccess(ctx context.Context, taskID string, newItemCount int)
}

// DedupStore remembers which listings each user has already seen.
type DedupStore interface {
	Exists(ctx context.Context, listingID string, price int64, userID int64) (bool, error)
	Record(ctx context.Context, listings []domain.Listing, userID int64) error
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// Notifier is the slice of the delivery queue the monitor uses.
type Notifier interface {
	EnqueueAd(listing domain.Listing, channel domain.ChannelConfig) bool
	EnqueueSystem(text string, channel domain.ChannelConfig) bool
}

// SessionFactory builds one fetch session per worker.
type SessionFactory func() (fetch.Fetcher, error)

// CookieInvalidator drops cached session cookies for a platform. The
// monitor calls it when a block burns the current session, so the next
// cycle starts from a fresh harvest instead of the burned set.
type CookieInvalidator interface {
	Invalidate(platform domain.Platform)
}

// Metrics is a snapshot of monitor counters.
type Metrics struct {
	Platform          domain.Platform `json:"platform"`
	Running           bool            `json:"running"`
	TotalCycles       int64           `json:"total_cycles"`
	TotalChecks       int64           `json:"total_checks"`
	TotalErrors       int64           `json:"total_errors"`
	NewListings       int64           `json:"new_listings"`
	BlocksDetected    int64           `json:"blocks_detected"`
	ConsecutiveBlocks int             `json:"consecutive_blocks"`
	LastCycleDuration time.Duration   `json:"last_cycle_duration"`
	LastCycleAt       time.Time       `json:"last_cycle_at,omitempty"`
}

// Monitor polls one platform.
type Monitor struct {
	cfg      Config
	registry TaskRegistry
	rotation RotationGate
	dedup    DedupStore
	notifier Notifier
	sessions SessionFactory
	jar      CookieInvalidator
	parse    parser.Parser
	log      logger.Interface

	// blockDetected is reset at the start of every cycle; the worker
	// that flips it owns the HandleBlock call for this cycle.
	blockDetected atomic.Bool

	// skipCycle is set when the cookie provider has nothing for this
	// platform; the rest of the cycle drains without fetching and the
	// next cycle retries.
	skipCycle atomic.Bool

	running atomic.Bool

	mu                sync.Mutex
	totalCycles       int64
	totalChecks       int64
	totalErrors       int64
	newListings       int64
	blocksDetected    int64
	consecutiveBlocks int
	lastCycleDuration time.Duration
	lastCycleAt       time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor for the configured platform. jar may be nil
// when the cookie source has no cache to drop.
func New(
	cfg Config,
	registry TaskRegistry,
	rotation RotationGate,
	dedup DedupStore,
	notifier Notifier,
	sessions SessionFactory,
	jar CookieInvalidator,
	log logger.Interface,
) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	p, err := parser.ForPlatform(cfg.Platform)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		rotation: rotation,
		dedup:    dedup,
		notifier: notifier,
		sessions: sessions,
		jar:      jar,
		parse:    p,
		log:      log.WithComponent(string(cfg.Platform) + "-monitor"),
	}, nil
}

// Start launches the polling loop. Repeated calls are no-ops; a
// stopped monitor can be started again.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	// A fresh done channel per run: the previous run's channel is
	// already closed.
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()
	go m.run(runCtx, done)
	m.log.Info("monitor started", "workers", m.cfg.Workers)
}

// Stop halts the loop and waits for in-flight work to finish.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	cancel()
	<-done
	m.log.Info("monitor stopped")
}

// IsRunning reports whether the polling loop is live.
func (m *Monitor) IsRunning() bool {
	return m.running.Load()
}

// GetMetrics returns a snapshot of monitor counters.
func (m *Monitor) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		Platform:          m.cfg.Platform,
		Running:           m.running.Load(),
		TotalCycles:       m.totalCycles,
		TotalChecks:       m.totalChecks,
		TotalErrors:       m.totalErrors,
		NewListings:       m.newListings,
		BlocksDetected:    m.blocksDetected,
		ConsecutiveBlocks: m.consecutiveBlocks,
		LastCycleDuration: m.lastCycleDuration,
		LastCycleAt:       m.lastCycleAt,
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	lastCleanup := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		tasks := m.registry.ListActive(m.cfg.Platform)
		if len(tasks) == 0 {
			if !sleepCtx(ctx, m.cfg.IdleInterval) {
				return
			}
			continue
		}

		cycleStart := time.Now()
		m.blockDetected.Store(false)
		m.skipCycle.Store(false)
		m.runCycle(ctx, tasks)

		m.mu.Lock()
		m.totalCycles++
		m.lastCycleDuration = time.Since(cycleStart)
		m.lastCycleAt = time.Now().UTC()
		m.mu.Unlock()

		if time.Since(lastCleanup) >= m.cfg.CleanupInterval {
			lastCleanup = time.Now()
			m.cleanupDedup(ctx)
		}

		if m.blockDetected.Load() {
			m.mu.Lock()
			m.consecutiveBlocks++
			n := m.consecutiveBlocks
			m.mu.Unlock()

			cooldown := m.cfg.BlockCooldown * time.Duration(n)
			if cooldown > m.cfg.BlockCooldownMax {
				cooldown = m.cfg.BlockCooldownMax
			}
			m.log.Warn("blocked cycle, extended pause",
				"consecutive_blocks", n, "cooldown", cooldown)
			if !sleepCtx(ctx, cooldown) {
				return
			}
		} else {
			m.mu.Lock()
			m.consecutiveBlocks = 0
			m.mu.Unlock()
			if !sleepCtx(ctx, m.cfg.CycleInterval) {
				return
			}
		}
	}
}

// runCycle fans the tasks out to the worker pool and waits for a full
// drain so the block cooldown never overlaps in-flight fetches.
func (m *Monitor) runCycle(ctx context.Context, tasks []domain.MonitoredURL) {
	taskCh := make(chan domain.MonitoredURL)
	var wg sync.WaitGroup

	workers := m.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	started := 0
	for i := 0; i < workers; i++ {
		session, err := m.sessions()
		if err != nil {
			m.log.Error("failed to build fetch session", "error", err)
			continue
		}
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				// Once a block is seen the rest of the cycle is skipped:
				// hammering a blocking site only deepens the block.
				if m.blockDetected.Load() || m.skipCycle.Load() || ctx.Err() != nil {
					continue
				}
				if m.checkTask(ctx, session, task, tasks) && !m.blockDetected.Load() {
					sleepCtx(ctx, m.fetchDelay())
				}
			}
		}()
	}
	if started == 0 {
		// No consumer for taskCh: producing would wedge the cycle.
		m.log.Error("no fetch worker could be started, aborting cycle")
		return
	}

	for _, task := range tasks {
		select {
		case taskCh <- task:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(taskCh)
	wg.Wait()
}

// checkTask performs one subscription check end to end. It reports
// whether a network request was actually issued, so the caller knows
// when to apply the inter-request delay.
func (m *Monitor) checkTask(ctx context.Context, session fetch.Fetcher, task domain.MonitoredURL, allTasks []domain.MonitoredURL) bool {
	if !m.rotation.WaitIfNotReady(ctx) {
		// Proxy is failed or shutdown began. Not the task's fault.
		return false
	}
	if m.blockDetected.Load() {
		return false
	}

	m.mu.Lock()
	m.totalChecks++
	m.mu.Unlock()

	res, err := session.Fetch(ctx, task.URL, m.cfg.Platform)
	if err != nil {
		if errors.Is(err, cookies.ErrNoCookies) {
			// The cookie harvest came back empty: sit this cycle out
			// for the platform rather than fetch bare and get blocked.
			m.log.Warn("no cookies available, skipping cycle")
			m.skipCycle.Store(true)
			return false
		}
		if ctx.Err() == nil {
			m.taskError(ctx, task, fmt.Sprintf("fetch failed: %v", err))
		}
		return true
	}

	if res.Blocked() {
		m.log.Warn("block detected", "task_id", task.TaskID, "status", res.StatusCode)
		if m.blockDetected.CompareAndSwap(false, true) {
			m.mu.Lock()
			m.blocksDetected++
			m.mu.Unlock()
			// The blocked session's cookies are burned; make the next
			// cycle harvest a fresh set.
			if m.jar != nil {
				m.jar.Invalidate(m.cfg.Platform)
			}
			m.rotation.HandleBlock(ctx, m.cfg.Platform, allTasks)
		}
		return true
	}
	if res.StatusCode != http.StatusOK {
		m.taskError(ctx, task, fmt.Sprintf("unexpected status %d", res.StatusCode))
		return true
	}

	listings, err := m.parse.Parse(res.Body, task.URL)
	if err != nil {
		m.taskError(ctx, task, fmt.Sprintf("parse failed: %v", err))
		return true
	}

	fresh := m.selectNew(ctx, task, listings)
	for _, l := range fresh {
		m.notifier.EnqueueAd(l, task.Channel)
	}
	if len(fresh) > 0 {
		if err := m.dedup.Record(ctx, fresh, task.UserID); err != nil {
			m.log.Error("failed to record viewed listings",
				"task_id", task.TaskID, "error", err)
		}
		m.mu.Lock()
		m.newListings += int64(len(fresh))
		m.mu.Unlock()
	}
	m.registry.RecordSuccess(ctx, task.TaskID, len(fresh))

	m.log.Debug("task checked",
		"task_id", task.TaskID,
		"parsed", len(listings),
		"new", len(fresh))
	return true
}

// selectNew applies the subscription filter, the registration time
// window, and the dedup store.
func (m *Monitor) selectNew(ctx context.Context, task domain.MonitoredURL, listings []domain.Listing) []domain.Listing {
	now := time.Now().UTC()
	var fresh []domain.Listing
	for _, l := range listings {
		if !task.Filter.Match(l, now) {
			continue
		}
		// Listings published before the subscription started would
		// flood a freshly registered task with the whole catalog.
		if !l.PublishedAt.IsZero() && l.PublishedAt.Before(task.StartedAt) {
			continue
		}
		seen, err := m.dedup.Exists(ctx, l.ID, l.Price, task.UserID)
		if err != nil {
			m.log.Error("dedup lookup failed, skipping listing",
				"listing_id", l.ID, "error", err)
			continue
		}
		if !seen {
			fresh = append(fresh, l)
		}
	}
	return fresh
}

// taskError records a per-task failure; crossing the pause threshold
// notifies the subscription owner once.
func (m *Monitor) taskError(ctx context.Context, task domain.MonitoredURL, message string) {
	m.mu.Lock()
	m.totalErrors++
	m.mu.Unlock()

	m.log.Warn("task check failed", "task_id", task.TaskID, "error", message)
	snapshot := m.registry.IncrementError(ctx, task.TaskID, message)
	if snapshot == nil {
		return
	}
	m.notifier.EnqueueSystem(fmt.Sprintf(
		"Мониторинг %s приостановлен после %d ошибок подряд. Последняя ошибка: %s",
		snapshot.URL, snapshot.ErrorCount, message,
	), snapshot.Channel)
}

func (m *Monitor) cleanupDedup(ctx context.Context) {
	deleted, err := m.dedup.CleanupOlderThan(ctx, m.cfg.CleanupRetentionDays)
	if err != nil {
		m.log.Error("dedup cleanup failed", "error", err)
		return
	}
	m.log.Info("dedup store pruned",
		"deleted", deleted, "retention_days", m.cfg.CleanupRetentionDays)
}

// fetchDelay draws the randomized inter-request pause from the
// configured range.
func (m *Monitor) fetchDelay() time.Duration {
	min, max := m.cfg.FetchDelayMin, m.cfg.FetchDelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
