// Package telegram implements the Telegram Bot API transport for the
// notification queue.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/notify"
)

// DefaultBaseURL is the production Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// requestTimeout bounds one API call.
const requestTimeout = 15 * time.Second

// markdownEscaper matches the characters MarkdownV2 requires escaped.
var markdownEscaper = regexp.MustCompile("([_\\[\\]()~`>#+\\-=|{}.!])")

// Sender posts messages through the Telegram Bot API. It implements
// notify.Sender.
type Sender struct {
	baseURL string
	client  *http.Client
	log     logger.Interface
}

// Option customizes the sender.
type Option func(*Sender)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(u string) Option {
	return func(s *Sender) { s.baseURL = strings.TrimSuffix(u, "/") }
}

// NewSender creates a Telegram sender.
func NewSender(log logger.Interface, opts ...Option) *Sender {
	s := &Sender{
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send implements notify.Sender.
func (s *Sender) Send(ctx context.Context, chatID string, msg *notify.Message) (*notify.SendResult, error) {
	method := "sendMessage"
	payload := map[string]any{
		"chat_id":    chatID,
		"parse_mode": "MarkdownV2",
	}

	switch {
	case msg.Listing != nil && msg.Listing.ImageURL != "":
		method = "sendPhoto"
		payload["photo"] = msg.Listing.ImageURL
		payload["caption"] = FormatListing(*msg.Listing)
	case msg.Listing != nil:
		payload["text"] = FormatListing(*msg.Listing)
	default:
		payload["text"] = EscapeMarkdown(msg.Text)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", s.baseURL, msg.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	result := &notify.SendResult{StatusCode: resp.StatusCode}
	var envelope apiResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil {
		result.Description = envelope.Description
		if envelope.Parameters.RetryAfter > 0 {
			result.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		if !envelope.OK {
			s.log.Debug("telegram api rejected send",
				"method", method,
				"status", resp.StatusCode,
				"description", envelope.Description)
		}
	}
	return result, nil
}

// EscapeMarkdown escapes MarkdownV2 special characters.
func EscapeMarkdown(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\u00a0", " ")
	return markdownEscaper.ReplaceAllString(text, `\$1`)
}

// FormatListing renders a listing as a MarkdownV2 notification.
func FormatListing(l domain.Listing) string {
	var parts []string

	switch l.Platform {
	case domain.PlatformAvito:
		parts = append(parts, "🔵 Avito")
	case domain.PlatformCian:
		parts = append(parts, "🟢 Cian")
	default:
		parts = append(parts, EscapeMarkdown(l.Platform.String()))
	}

	if l.Price > 0 {
		price := fmt.Sprintf("💰 *%s руб*", EscapeMarkdown(formatPrice(l.Price)))
		if l.Promoted {
			price += " 🔺"
		}
		parts = append(parts, price)
	}

	switch {
	case l.Title != "" && l.URL != "":
		parts = append(parts, fmt.Sprintf("📝 [%s](%s)", EscapeMarkdown(l.Title), l.URL))
	case l.Title != "":
		parts = append(parts, "📝 "+EscapeMarkdown(l.Title))
	}

	if l.AreaM2 > 0 {
		parts = append(parts, fmt.Sprintf("📐 %s м²", EscapeMarkdown(strings.TrimSuffix(fmt.Sprintf("%.1f", l.AreaM2), ".0"))))
	}
	if l.Seller != "" {
		parts = append(parts, "👤 "+EscapeMarkdown(l.Seller))
	}
	if l.Reserved {
		parts = append(parts, "⛔ Забронировано")
	}

	return strings.Join(parts, "\n")
}

// formatPrice groups digits by thousands: 6500000 -> "6 500 000".
func formatPrice(v int64) string {
	s := fmt.Sprintf("%d", v)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
