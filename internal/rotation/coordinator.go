package rotation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
)

// State represents the proxy rotation state. Exactly one state exists
// process-wide; workers may issue outbound requests only in StateActive.
type State int32

const (
	// StateActive means workers may issue requests.
	StateActive State = iota

	// StateRotating means an IP change is in flight and workers are
	// gated.
	StateRotating

	// StateCooldown means the IP changed and workers stay gated until
	// the cooldown elapses.
	StateCooldown

	// StateFailed means the circuit breaker tripped; terminal until a
	// manual reset.
	StateFailed
)

// String returns the string representation of a state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRotating:
		return "rotating"
	case StateCooldown:
		return "cooldown"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Alerter delivers the out-of-band administrator alert fired when the
// circuit breaker trips. Best effort: failures must not affect
// coordinator state.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// Rotator executes one full rotation sequence (change IP, verify the
// proxy answers). Injected so tests can substitute failures.
type Rotator interface {
	Rotate(ctx context.Context, creds *domain.ProxyCredentials) error
}

// Status is a read-only snapshot for health reporting.
type Status struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	ProxyConfigured     bool   `json:"proxy_configured"`
	IsReady             bool   `json:"is_ready"`
}

// Coordinator serializes IP-rotation attempts across all monitors. All
// state mutation happens under stateMu; readiness is communicated by a
// broadcast gate (a channel closed when workers may run) so there are no
// per-waiter wakeups to miss.
type Coordinator struct {
	cfg     Config
	log     logger.Interface
	rotator Rotator
	alerter Alerter

	// rotationMu serializes rotation sequences. Deliberately separate
	// from stateMu: the cooldown sleep happens outside rotationMu so a
	// concurrent HandleBlock is only held by the cleared gate.
	rotationMu sync.Mutex

	stateMu  sync.Mutex
	state    atomic.Int32
	failures int
	creds    *domain.ProxyCredentials
	ready    chan struct{} // closed = workers may run

	rand *rand.Rand
}

// NewCoordinator creates the process-wide rotation coordinator.
func NewCoordinator(cfg Config, rotator Rotator, alerter Alerter, log logger.Interface) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Coordinator{
		cfg:     cfg,
		log:     log,
		rotator: rotator,
		alerter: alerter,
		ready:   closedGate(),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.state.Store(int32(StateActive))
	return c, nil
}

func closedGate() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Configure installs or replaces the proxy credentials used for
// rotation. Idempotent; no effect on in-flight state.
func (c *Coordinator) Configure(creds *domain.ProxyCredentials) {
	c.stateMu.Lock()
	c.creds = creds
	c.stateMu.Unlock()

	if creds != nil && creds.Configured() {
		c.log.Info("proxy rotation configured")
	} else {
		c.log.Info("proxy not configured, rotation unavailable")
	}
}

// State returns the current rotation state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// IsReady reports whether workers may issue requests without waiting.
func (c *Coordinator) IsReady() bool {
	return c.State() == StateActive
}

// GetStatus returns a read-only snapshot for health reporting.
func (c *Coordinator) GetStatus() Status {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	state := c.State()
	return Status{
		State:               state.String(),
		ConsecutiveFailures: c.failures,
		ProxyConfigured:     c.creds != nil && c.creds.Configured(),
		IsReady:             state == StateActive,
	}
}

// WaitIfNotReady is called by a worker immediately before issuing a
// request. Returns false when the proxy is FAILED (the caller must skip
// the request). When a rotation or cooldown is in progress it blocks on
// the readiness gate and, unless the post-wake state is FAILED, sleeps a
// random jitter before returning so resumed workers do not stampede.
func (c *Coordinator) WaitIfNotReady(ctx context.Context) bool {
	if c.State() == StateFailed {
		return false
	}

	gate := c.readyGate()
	select {
	case <-gate:
		// Already open: no delay at all.
		return c.State() != StateFailed
	default:
	}

	c.log.Debug("worker waiting for rotation to finish")
	select {
	case <-gate:
	case <-ctx.Done():
		return false
	}

	if c.State() == StateFailed {
		return false
	}

	jitter := c.jitter()
	c.log.Debug("worker resuming after rotation", "jitter", jitter)
	if !sleepCtx(ctx, jitter) {
		return false
	}

	return c.State() != StateFailed
}

// HandleBlock is called by a monitor's cycle driver when a block
// (403/429-equivalent) was observed. The first caller performs the
// rotation sequence; concurrent callers just await the readiness gate.
func (c *Coordinator) HandleBlock(ctx context.Context, platform domain.Platform, activeTasks []domain.MonitoredURL) {
	if c.State() == StateFailed {
		c.log.Warn("block detected but proxy already failed, skipping",
			"platform", platform)
		return
	}

	if !c.rotationMu.TryLock() {
		c.log.Info("rotation already in flight, awaiting readiness",
			"platform", platform)
		select {
		case <-c.readyGate():
		case <-ctx.Done():
		}
		return
	}

	c.rotate(ctx, platform, activeTasks)
}

// rotate runs one rotation sequence. Caller must hold rotationMu; it is
// released here, before the cooldown sleep, so concurrent HandleBlock
// callers are held only by the cleared readiness gate.
func (c *Coordinator) rotate(ctx context.Context, platform domain.Platform, activeTasks []domain.MonitoredURL) {
	unlocked := false
	defer func() {
		if !unlocked {
			c.rotationMu.Unlock()
		}
	}()

	// Double-check: a rotation that finished moments ago may still be in
	// cooldown (it releases rotationMu before sleeping). Joining it means
	// waiting for the gate, not rotating again.
	if st := c.State(); st == StateRotating || st == StateCooldown {
		c.rotationMu.Unlock()
		unlocked = true
		c.log.Debug("rotation already underway, awaiting readiness",
			"platform", platform, "state", st.String())
		select {
		case <-c.readyGate():
		case <-ctx.Done():
		}
		return
	}

	c.stateMu.Lock()
	c.state.Store(int32(StateRotating))
	c.ready = make(chan struct{}) // gate all workers
	creds := c.creds
	c.stateMu.Unlock()

	c.log.Warn("starting IP rotation, all workers gated", "platform", platform)

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RotationTimeout)
	err := c.rotator.Rotate(rctx, creds)
	cancel()

	if err == nil {
		c.stateMu.Lock()
		c.failures = 0
		c.state.Store(int32(StateCooldown))
		c.stateMu.Unlock()

		c.rotationMu.Unlock()
		unlocked = true

		c.log.Info("IP rotated, entering cooldown", "cooldown", c.cfg.Cooldown)
		sleepCtx(ctx, c.cfg.Cooldown)

		c.stateMu.Lock()
		c.state.Store(int32(StateActive))
		c.openGateLocked()
		c.stateMu.Unlock()

		c.log.Info("rotation complete, workers resuming",
			"jitter_max", c.cfg.JitterMax)
		return
	}

	// Timeouts and change-endpoint errors count identically toward the
	// breaker.
	c.stateMu.Lock()
	c.failures++
	failures := c.failures
	tripped := failures >= c.cfg.MaxAttempts
	if tripped {
		c.state.Store(int32(StateFailed))
		// readiness gate stays cleared: workers never resume
	} else {
		c.state.Store(int32(StateActive))
		c.openGateLocked()
	}
	c.stateMu.Unlock()

	if tripped {
		c.log.Error("rotation failed, circuit breaker tripped",
			"failures", failures, "max_attempts", c.cfg.MaxAttempts, "error", err)
		c.alertFailed(ctx, activeTasks)
		return
	}

	c.log.Error("rotation failed, requests resume until next block",
		"failures", failures, "max_attempts", c.cfg.MaxAttempts, "error", err)
}

// ResetFailed is the manual recovery path after the breaker tripped:
// zero the failure counter, reopen the gate, optionally replace
// credentials.
func (c *Coordinator) ResetFailed(creds *domain.ProxyCredentials) {
	c.stateMu.Lock()
	if creds != nil {
		c.creds = creds
	}
	c.failures = 0
	prev := c.State()
	c.state.Store(int32(StateActive))
	c.openGateLocked()
	c.stateMu.Unlock()

	c.log.Info("rotation state manually reset", "previous_state", prev.String())
}

// alertFailed fires the administrator alert exactly once per FAILED
// transition; it is only reachable from the single tripping rotation.
func (c *Coordinator) alertFailed(ctx context.Context, activeTasks []domain.MonitoredURL) {
	if c.alerter == nil {
		c.log.Error("proxy failed but no alerter configured")
		return
	}
	text := fmt.Sprintf(
		"Proxy unreachable after %d rotation attempts. Monitoring is gated until a manual reset. "+
			"Check the proxy subscription balance and the IP-change endpoint, then reset via the API.",
		c.cfg.MaxAttempts)
	_ = activeTasks // reserved for alerters that route per-task owners
	c.alerter.Alert(ctx, text)
}

// openGateLocked reopens the readiness gate if it is cleared. Caller
// must hold stateMu.
func (c *Coordinator) openGateLocked() {
	select {
	case <-c.ready:
		// already open
	default:
		close(c.ready)
	}
}

func (c *Coordinator) readyGate() <-chan struct{} {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.ready
}

func (c *Coordinator) jitter() time.Duration {
	if c.cfg.JitterMax <= 0 {
		return 0
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return time.Duration(c.rand.Int63n(int64(c.cfg.JitterMax)))
}

// sleepCtx sleeps for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
