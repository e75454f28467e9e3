package channel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/db"
)

type fakeMailer struct {
	sent []*Message
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, msg *Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func emailItem() *db.QueueItem {
	return &db.QueueItem{
		ID:        uuid.New(),
		Channel:   db.ChannelEmail,
		Category:  db.CategoryWeeklyReport,
		Subject:   "Your weekly report",
		Body:      "Last week you logged 12 pouches.",
		Recipient: "user@example.com",
		Extra: map[string]any{
			"total_pouches":  12,
			"total_nicotine": 72.5,
			"goals_count":    2,
		},
	}
}

func TestEmailSender_RendersTemplate(t *testing.T) {
	m := &fakeMailer{}
	s := NewEmailSender(m, EmailConfig{}, zap.NewNop())

	res := s.Send(context.Background(), emailItem())
	if res.Outcome != Sent {
		t.Fatalf("expected sent, got %s: %v", res.Outcome, res.Err)
	}
	if len(m.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(m.sent))
	}
	msg := m.sent[0]
	if msg.To != "user@example.com" || msg.Subject != "Your weekly report" {
		t.Errorf("unexpected envelope: %+v", msg)
	}
	if msg.Text != "Last week you logged 12 pouches." {
		t.Errorf("text = %q", msg.Text)
	}
	for _, want := range []string{"Your week in review", "#8b5cf6", "Pouches", "72.5"} {
		if !strings.Contains(msg.HTML, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestEmailSender_HTMLPassthrough(t *testing.T) {
	m := &fakeMailer{}
	s := NewEmailSender(m, EmailConfig{}, zap.NewNop())

	item := emailItem()
	item.Category = db.CategoryEmailVerification
	item.Body = "<!DOCTYPE html><html><body><p>Click <a href=\"https://x\">here</a></p></body></html>"

	if res := s.Send(context.Background(), item); res.Outcome != Sent {
		t.Fatalf("expected sent, got %s", res.Outcome)
	}
	msg := m.sent[0]
	if msg.HTML != item.Body {
		t.Error("pre-rendered html should pass through unchanged")
	}
	if msg.Text != "Click here" {
		t.Errorf("text = %q, want tag-stripped body", msg.Text)
	}
}

func TestEmailSender_ActionButton(t *testing.T) {
	item := emailItem()
	item.Category = db.CategoryPasswordReset
	item.Extra = map[string]any{"action_url": "https://app.example/reset?t=abc", "action_label": "Reset password"}

	msg, err := Render(item)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(msg.HTML, "https://app.example/reset?t=abc") || !strings.Contains(msg.HTML, "Reset password") {
		t.Error("expected action link in html")
	}
}

func TestEmailSender_QuietModeSkipsTransport(t *testing.T) {
	m := &fakeMailer{err: errors.New("should not be called")}
	s := NewEmailSender(m, EmailConfig{Quiet: true}, zap.NewNop())

	if res := s.Send(context.Background(), emailItem()); res.Outcome != Sent {
		t.Fatalf("quiet mode should report sent, got %s", res.Outcome)
	}
}

func TestEmailSender_Classification(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*db.QueueItem)
		err     error
		want    Outcome
		bounced bool
	}{
		{"bad address", func(i *db.QueueItem) { i.Recipient = "not-an-address" }, nil, Permanent, false},
		{"wrong channel", func(i *db.QueueItem) { i.Channel = db.ChannelDiscord }, nil, Permanent, false},
		{"transient transport", nil, errors.New("connection reset"), Retryable, false},
		{"permanent transport", nil, Permanentf("relay denied"), Permanent, false},
		{"bounce", nil, &PermanentError{Err: errors.New("550 no such user"), Bounced: true}, Permanent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := emailItem()
			if tt.mutate != nil {
				tt.mutate(item)
			}
			s := NewEmailSender(&fakeMailer{err: tt.err}, EmailConfig{}, zap.NewNop())
			res := s.Send(context.Background(), item)
			if res.Outcome != tt.want || res.Bounced != tt.bounced {
				t.Errorf("got %s bounced=%v, want %s bounced=%v", res.Outcome, res.Bounced, tt.want, tt.bounced)
			}
		})
	}
}

func TestEmailSender_NoTransportIsPermanent(t *testing.T) {
	s := NewEmailSender(nil, EmailConfig{}, zap.NewNop())
	if res := s.Send(context.Background(), emailItem()); res.Outcome != Permanent {
		t.Fatalf("got %s, want permanent", res.Outcome)
	}
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"<!DOCTYPE html><html></html>", true},
		{"  <html><body>x</body></html>", true},
		{"<p>fragment</p>", false},
		{"plain text", false},
	}
	for _, tt := range tests {
		if got := IsHTML(tt.body); got != tt.want {
			t.Errorf("IsHTML(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}
