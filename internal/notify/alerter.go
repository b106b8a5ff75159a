package notify

import (
	"context"
	"net/http"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
)

// AdminAlerter delivers operator alerts straight through the sender,
// bypassing the queue: when the rotation breaker trips the queue
// consumer may be wedged behind gated workers, and the alert must still
// go out. Implements the coordinator's Alerter.
type AdminAlerter struct {
	sender  Sender
	channel domain.ChannelConfig
	log     logger.Interface
}

// NewAdminAlerter creates an alerter for the admin channel. A zero
// channel disables alerting.
func NewAdminAlerter(sender Sender, channel domain.ChannelConfig, log logger.Interface) *AdminAlerter {
	return &AdminAlerter{sender: sender, channel: channel, log: log}
}

// Alert sends the text to every admin chat. Best effort: failures are
// logged and swallowed.
func (a *AdminAlerter) Alert(ctx context.Context, text string) {
	if !a.channel.Configured() {
		a.log.Warn("admin alert dropped, no admin channel configured", "text", text)
		return
	}

	msg := &Message{
		Priority: PrioritySystem,
		BotToken: a.channel.BotToken,
		Text:     text,
	}
	for _, chatID := range a.channel.ChatIDs {
		res, err := a.sender.Send(ctx, chatID, msg)
		if err != nil {
			a.log.Error("admin alert delivery failed", "chat_id", chatID, "error", err)
			continue
		}
		if res.StatusCode != http.StatusOK {
			a.log.Error("admin alert rejected",
				"chat_id", chatID,
				"status", res.StatusCode,
				"description", res.Description)
		}
	}
}
