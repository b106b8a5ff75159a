// Package notify implements the prioritized delivery queue between the
// monitors and the chat transport. System messages (errors, pause
// notices, rotation alerts) jump ahead of listing notifications; a
// single consumer paces sends to stay under the transport's flood
// limit.
package notify

import (
	"context"
	"time"

	"github.com/jonesrussell/adwatch/internal/domain"
)

// Priority orders queue items. Lower values send first.
type Priority int

const (
	// PrioritySystem is for operational messages: task pauses, block
	// alerts, rotation failures.
	PrioritySystem Priority = 0

	// PriorityAd is for listing notifications.
	PriorityAd Priority = 1
)

// Message is one queued notification, fanned out to every chat in
// ChatIDs on delivery.
type Message struct {
	Priority Priority
	BotToken string
	ChatIDs  []string

	// Text is the preformatted body for system messages.
	Text string

	// Listing is set for ad messages; the sender formats it.
	Listing *domain.Listing

	// EnqueuedAt records queue entry time for diagnostics. It does not
	// participate in ordering: items of equal priority may send in any
	// order.
	EnqueuedAt time.Time
}

// SendResult is the transport's verdict on one send attempt.
type SendResult struct {
	StatusCode int

	// RetryAfter is the flood-wait duration the transport asked for,
	// zero when none was given.
	RetryAfter time.Duration

	// Description is the transport's error text, when present.
	Description string
}

// Sender delivers one message to one chat. A non-nil error means the
// attempt never produced an HTTP status (transport failure).
type Sender interface {
	Send(ctx context.Context, chatID string, msg *Message) (*SendResult, error)
}
