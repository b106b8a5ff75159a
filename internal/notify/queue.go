package notify

import (
	"container/heap"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/ratelimit"
)

const (
	// DefaultCapacity bounds the queue; overflow drops ad messages.
	DefaultCapacity = 1000

	// DefaultSendInterval paces sends at ~28 msg/sec, under the
	// transport's 30/sec flood limit.
	DefaultSendInterval = 35 * time.Millisecond

	// DefaultDrainTimeout bounds how long Stop waits for the queue to
	// empty before abandoning undelivered items.
	DefaultDrainTimeout = 10 * time.Second

	// DefaultMaxAttempts is the per-chat send attempt budget.
	DefaultMaxAttempts = 3

	// DefaultRetryAfter is the flood wait applied when the transport
	// rate-limits without naming a duration.
	DefaultRetryAfter = 5 * time.Second

	// defaultBackoffBase seeds the exponential backoff for retriable
	// send failures.
	defaultBackoffBase = time.Second

	// popTimeout bounds each queue wait so the consumer notices
	// shutdown promptly.
	popTimeout = time.Second
)

// Config configures the delivery queue.
type Config struct {
	Capacity     int           `mapstructure:"capacity"`
	SendInterval time.Duration `mapstructure:"send_interval"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryAfter   time.Duration `mapstructure:"retry_after"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
}

// DefaultConfig returns queue defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:     DefaultCapacity,
		SendInterval: DefaultSendInterval,
		DrainTimeout: DefaultDrainTimeout,
		MaxAttempts:  DefaultMaxAttempts,
		RetryAfter:   DefaultRetryAfter,
		BackoffBase:  defaultBackoffBase,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("queue capacity must be positive")
	}
	if c.SendInterval < 0 {
		return errors.New("send interval cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	return nil
}

// Metrics is a snapshot of queue counters.
type Metrics struct {
	Depth    int   `json:"depth"`
	Enqueued int64 `json:"enqueued"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	Retries  int64 `json:"retries"`
}

// queueItem wraps a message with its insertion sequence for diagnostics.
type queueItem struct {
	msg *Message
	seq uint64
}

// itemHeap orders by priority only. Equal-priority items may reorder;
// the monitor tolerates listings arriving out of submission order.
type itemHeap []*queueItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].msg.Priority < h[j].msg.Priority }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the prioritized delivery queue. One consumer goroutine pops
// items and fans each out to its chats, pacing sends through a shared
// rate gate.
type Queue struct {
	cfg    Config
	sender Sender
	gate   *ratelimit.Gate
	log    logger.Interface

	mu       sync.Mutex
	items    itemHeap
	seq      uint64
	inFlight int
	notEmpty chan struct{}

	enqueued int64
	sent     int64
	failed   int64
	dropped  int64
	retries  int64

	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
	started bool
}

// NewQueue creates a stopped queue; call Start before enqueueing.
func NewQueue(cfg Config, sender Sender, log logger.Interface) *Queue {
	return &Queue{
		cfg:      cfg,
		sender:   sender,
		gate:     ratelimit.NewGate(cfg.SendInterval),
		log:      log,
		notEmpty: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the consumer. Repeated calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return
	}
	q.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	go q.consume(runCtx)
	q.log.Info("notification queue started",
		"capacity", q.cfg.Capacity,
		"send_interval", q.cfg.SendInterval)
}

// EnqueueAd queues a listing notification.
func (q *Queue) EnqueueAd(listing domain.Listing, channel domain.ChannelConfig) bool {
	return q.enqueue(&Message{
		Priority: PriorityAd,
		BotToken: channel.BotToken,
		ChatIDs:  channel.ChatIDs,
		Listing:  &listing,
	})
}

// EnqueueSystem queues an operational message ahead of any pending ads.
func (q *Queue) EnqueueSystem(text string, channel domain.ChannelConfig) bool {
	return q.enqueue(&Message{
		Priority: PrioritySystem,
		BotToken: channel.BotToken,
		ChatIDs:  channel.ChatIDs,
		Text:     text,
	})
}

// enqueue adds the message. On overflow one item is evicted from the
// heap front (whatever the priority ordering yields first) and counted
// dropped; if that still leaves no room the incoming message is dropped
// instead.
func (q *Queue) enqueue(msg *Message) bool {
	if msg.BotToken == "" || len(msg.ChatIDs) == 0 {
		return false
	}
	msg.EnqueuedAt = time.Now()

	q.mu.Lock()
	if len(q.items) >= q.cfg.Capacity {
		if len(q.items) > 0 {
			evicted := heap.Pop(&q.items).(*queueItem)
			q.dropped++
			q.log.Warn("notification queue full, evicting",
				"capacity", q.cfg.Capacity,
				"evicted_priority", evicted.msg.Priority)
		}
		if len(q.items) >= q.cfg.Capacity {
			q.dropped++
			q.mu.Unlock()
			q.log.Error("notification queue has no room, dropping incoming message")
			return false
		}
	}
	q.seq++
	heap.Push(&q.items, &queueItem{msg: msg, seq: q.seq})
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return true
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetMetrics returns a snapshot of queue counters.
func (q *Queue) GetMetrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Depth:    len(q.items),
		Enqueued: q.enqueued,
		Sent:     q.sent,
		Failed:   q.failed,
		Dropped:  q.dropped,
		Retries:  q.retries,
	}
}

// Stop drains the queue for up to DrainTimeout, then stops the consumer.
func (q *Queue) Stop() {
	q.startMu.Lock()
	if !q.started {
		q.startMu.Unlock()
		return
	}
	q.startMu.Unlock()

	deadline := time.Now().Add(q.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if q.pending() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if remaining := q.pending(); remaining > 0 {
		q.log.Warn("notification queue drain timed out", "undelivered", remaining)
	}

	q.cancel()
	<-q.done
	q.log.Info("notification queue stopped")
}

// consume is the single consumer loop.
func (q *Queue) consume(ctx context.Context) {
	defer close(q.done)
	timer := time.NewTimer(popTimeout)
	defer timer.Stop()

	for {
		it := q.pop()
		if it == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(popTimeout)
			select {
			case <-ctx.Done():
				return
			case <-q.notEmpty:
			case <-timer.C:
			}
			continue
		}

		q.process(ctx, it.msg)
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (q *Queue) pop() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	q.inFlight++
	return heap.Pop(&q.items).(*queueItem)
}

// pending counts queued plus in-flight items; Stop drains on this, not
// on queue depth alone, so a message mid-delivery is not cut off.
func (q *Queue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inFlight
}

// process fans the message out to every chat, pacing through the gate.
func (q *Queue) process(ctx context.Context, msg *Message) {
	for _, chatID := range msg.ChatIDs {
		if err := q.gate.Wait(ctx); err != nil {
			q.addFailed(1)
			return
		}
		if q.deliver(ctx, chatID, msg) {
			q.addSent(1)
		} else {
			q.addFailed(1)
		}
	}
}

// deliver sends one message to one chat with the retry policy: success
// on 200; flood waits honor the requested delay; client errors are
// permanent; everything else backs off exponentially.
func (q *Queue) deliver(ctx context.Context, chatID string, msg *Message) bool {
	for attempt := 0; attempt < q.cfg.MaxAttempts; attempt++ {
		res, err := q.sender.Send(ctx, chatID, msg)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			q.log.Warn("send failed",
				"chat_id", chatID, "attempt", attempt+1, "error", err)
			if !q.backoff(ctx, attempt) {
				return false
			}
			continue
		}

		switch {
		case res.StatusCode == http.StatusOK:
			return true

		case res.StatusCode == http.StatusTooManyRequests:
			wait := res.RetryAfter
			if wait <= 0 {
				wait = q.cfg.RetryAfter
			}
			q.log.Warn("transport flood wait",
				"chat_id", chatID, "retry_after", wait, "attempt", attempt+1)
			q.addRetries(1)
			if !q.sleep(ctx, wait) {
				return false
			}

		case res.StatusCode == http.StatusBadRequest,
			res.StatusCode == http.StatusUnauthorized,
			res.StatusCode == http.StatusForbidden,
			res.StatusCode == http.StatusNotFound:
			q.log.Error("permanent send failure",
				"chat_id", chatID,
				"status", res.StatusCode,
				"description", res.Description)
			return false

		default:
			q.log.Warn("retriable send failure",
				"chat_id", chatID, "status", res.StatusCode, "attempt", attempt+1)
			q.addRetries(1)
			if !q.backoff(ctx, attempt) {
				return false
			}
		}
	}
	return false
}

func (q *Queue) backoff(ctx context.Context, attempt int) bool {
	return q.sleep(ctx, q.cfg.BackoffBase<<attempt)
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (q *Queue) addSent(n int64)    { q.mu.Lock(); q.sent += n; q.mu.Unlock() }
func (q *Queue) addFailed(n int64)  { q.mu.Lock(); q.failed += n; q.mu.Unlock() }
func (q *Queue) addRetries(n int64) { q.mu.Lock(); q.retries += n; q.mu.Unlock() }
