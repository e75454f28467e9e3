package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/db"
)

// WebhookConfig tunes outbound webhook calls.
type WebhookConfig struct {
	Timeout time.Duration
	// RequestsPerSecond paces calls across all webhooks; zero disables.
	RequestsPerSecond float64
	Burst             int
}

// WebhookSender posts notifications to Discord and Slack incoming webhooks.
type WebhookSender struct {
	client  *http.Client
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *zap.Logger
}

// NewWebhookSender creates a new webhook sender.
func NewWebhookSender(cfg WebhookConfig, clk clock.Clock, logger *zap.Logger) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	s := &WebhookSender{
		client: &http.Client{Timeout: timeout},
		clock:  clk,
		logger: logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return s
}

// SupportsChannel checks if this sender supports the channel.
func (s *WebhookSender) SupportsChannel(ch db.Channel) bool {
	return ch.IsWebhook()
}

// Send posts item to the recipient webhook URL.
func (s *WebhookSender) Send(ctx context.Context, item *db.QueueItem) Result {
	var payload any
	switch item.Channel {
	case db.ChannelDiscord:
		payload = discordPayload(item, s.clock.Now())
	case db.ChannelSlack:
		payload = slackPayload(item, s.clock.Now())
	default:
		return Fail(fmt.Errorf("webhook sender only supports discord and slack, got: %s", item.Channel))
	}

	res := s.post(ctx, item.Recipient, payload, item.ID.String())
	if res.Outcome == Sent {
		s.logger.Info("webhook delivered successfully",
			zap.String("id", item.ID.String()),
			zap.String("channel", string(item.Channel)),
		)
	}
	return res
}

// Test posts a fixed test message to webhookURL without touching the queue.
func (s *WebhookSender) Test(ctx context.Context, ch db.Channel, webhookURL string) Result {
	item := &db.QueueItem{
		Channel:  ch,
		Category: db.CategoryTest,
		Subject:  "Webhook Test",
		Body:     "This is a test message from Nicotine Tracker to verify your webhook is working correctly.",
	}
	var payload any
	switch ch {
	case db.ChannelDiscord:
		p := discordPayload(item, s.clock.Now())
		p.Embeds[0].Color = categoryColors[db.CategoryDailyReminder]
		p.Embeds[0].Footer.Text = footerText + " - Test Message"
		payload = p
	case db.ChannelSlack:
		payload = slackPayload(item, s.clock.Now())
	default:
		return Fail(fmt.Errorf("not a webhook channel: %s", ch))
	}
	return s.post(ctx, webhookURL, payload, "test")
}

func (s *WebhookSender) post(ctx context.Context, rawURL string, payload any, id string) Result {
	if err := validateWebhookURL(rawURL); err != nil {
		return Fail(err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Fail(fmt.Errorf("encode webhook payload: %w", err))
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Retry(fmt.Errorf("webhook rate limiter: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return Fail(fmt.Errorf("failed to create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Nicotrack/1.0")
	req.Header.Set("X-Nicotrack-Notification-ID", id)

	resp, err := s.client.Do(req)
	if err != nil {
		return Retry(fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return classifyStatus(resp.StatusCode, string(preview))
}

// classifyStatus maps a webhook response code onto a Result.
func classifyStatus(code int, preview string) Result {
	switch {
	case code >= 200 && code < 300:
		return OK()
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return Retry(fmt.Errorf("webhook returned status %d: %s", code, preview))
	default:
		return Fail(fmt.Errorf("webhook returned status %d: %s", code, preview))
	}
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed webhook url: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("malformed webhook url %q", raw)
	}
	return nil
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Footer      discordFooter  `json:"footer"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

func discordPayload(item *db.QueueItem, now time.Time) discordMessage {
	embed := discordEmbed{
		Title:       item.Subject,
		Description: item.Body,
		Color:       CategoryColor(item.Category),
		Timestamp:   now.UTC().Format(time.RFC3339),
		Footer:      discordFooter{Text: footerText},
	}
	for _, f := range statusFields(item.Extra) {
		embed.Fields = append(embed.Fields, discordField{Name: f.Name, Value: f.Value, Inline: true})
	}
	return discordMessage{Embeds: []discordEmbed{embed}}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Fallback string       `json:"fallback"`
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Footer   string       `json:"footer"`
	TS       int64        `json:"ts"`
	Fields   []slackField `json:"fields,omitempty"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func slackPayload(item *db.QueueItem, now time.Time) slackMessage {
	att := slackAttachment{
		Fallback: item.Subject,
		Color:    fmt.Sprintf("#%06x", CategoryColor(item.Category)),
		Title:    item.Subject,
		Text:     item.Body,
		Footer:   footerText,
		TS:       now.Unix(),
	}
	for _, f := range statusFields(item.Extra) {
		att.Fields = append(att.Fields, slackField{Title: f.Name, Value: f.Value, Short: true})
	}
	return slackMessage{Text: item.Subject, Attachments: []slackAttachment{att}}
}
