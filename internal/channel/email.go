package channel

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/mail"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/db"
)

// Message is a rendered email ready for a transport.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer moves a rendered message. Errors that must not be retried are
// returned as *PermanentError.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// EmailSender renders queue items as HTML and plain text and hands them to
// a Mailer.
type EmailSender struct {
	mailer Mailer
	quiet  bool
	logger *zap.Logger
}

// EmailConfig controls rendering and delivery.
type EmailConfig struct {
	// Quiet logs messages instead of sending them.
	Quiet bool
}

// NewEmailSender creates an email sender over mailer.
func NewEmailSender(mailer Mailer, cfg EmailConfig, logger *zap.Logger) *EmailSender {
	return &EmailSender{
		mailer: mailer,
		quiet:  cfg.Quiet,
		logger: logger,
	}
}

// SupportsChannel checks if this sender supports the email channel.
func (s *EmailSender) SupportsChannel(ch db.Channel) bool {
	return ch == db.ChannelEmail
}

// Send renders and delivers an email notification.
func (s *EmailSender) Send(ctx context.Context, item *db.QueueItem) Result {
	if item.Channel != db.ChannelEmail {
		return Fail(fmt.Errorf("email sender only supports email, got: %s", item.Channel))
	}
	if _, err := mail.ParseAddress(item.Recipient); err != nil {
		return Fail(fmt.Errorf("invalid recipient %q: %w", item.Recipient, err))
	}

	msg, err := Render(item)
	if err != nil {
		return Fail(fmt.Errorf("render email: %w", err))
	}

	if s.quiet {
		s.logger.Info("quiet mode: skipping email",
			zap.String("id", item.ID.String()),
			zap.String("to", item.Recipient),
			zap.String("subject", item.Subject),
		)
		return OK()
	}

	if s.mailer == nil {
		return Fail(fmt.Errorf("email transport not configured"))
	}

	if err := s.mailer.Send(ctx, msg); err != nil {
		return FromError(err)
	}

	s.logger.Info("email sent",
		zap.String("id", item.ID.String()),
		zap.String("to", item.Recipient),
	)
	return OK()
}

var tagPattern = regexp.MustCompile(`<[^<]+?>`)

// IsHTML reports whether body is a complete pre-rendered HTML document.
func IsHTML(body string) bool {
	b := strings.TrimSpace(body)
	return strings.HasPrefix(b, "<!DOCTYPE html>") || strings.HasPrefix(b, "<html")
}

// StripTags removes markup from a pre-rendered HTML body.
func StripTags(body string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(body, ""))
}

// Render builds the email for item. Pre-rendered HTML bodies are sent as
// is with a tag-stripped text part; anything else goes through the
// category template.
func Render(item *db.QueueItem) (*Message, error) {
	msg := &Message{
		To:      item.Recipient,
		Subject: item.Subject,
	}

	if IsHTML(item.Body) {
		msg.HTML = item.Body
		msg.Text = StripTags(item.Body)
		return msg, nil
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, newEmailView(item)); err != nil {
		return nil, err
	}
	msg.HTML = buf.String()
	msg.Text = item.Body
	return msg, nil
}

type emailView struct {
	Subject     string
	Paragraphs  []string
	Accent      string
	Heading     string
	Fields      []field
	ActionURL   string
	ActionLabel string
}

var emailHeadings = map[db.Category]string{
	db.CategoryGoalReminder:      "Goal check",
	db.CategoryDailyReminder:     "Daily reminder",
	db.CategoryWeeklyReport:      "Your week in review",
	db.CategoryAchievement:       "Achievement unlocked",
	db.CategoryEmailVerification: "Verify your email",
	db.CategoryPasswordReset:     "Password reset",
	db.CategoryTest:              "Test email",
}

func newEmailView(item *db.QueueItem) emailView {
	v := emailView{
		Subject:    item.Subject,
		Paragraphs: strings.Split(strings.TrimSpace(item.Body), "\n\n"),
		Accent:     fmt.Sprintf("#%06x", CategoryColor(item.Category)),
		Heading:    emailHeadings[item.Category],
	}
	if v.Heading == "" {
		v.Heading = "Notification"
	}

	switch item.Category {
	case db.CategoryWeeklyReport:
		v.Fields = extraFields(item.Extra,
			"total_pouches", "Pouches",
			"total_nicotine", "Nicotine (mg)",
			"goals_count", "Active goals",
		)
	case db.CategoryGoalReminder, db.CategoryAchievement:
		v.Fields = statusFields(item.Extra)
	}

	if u, ok := item.Extra["action_url"].(string); ok && u != "" {
		v.ActionURL = u
		v.ActionLabel, _ = item.Extra["action_label"].(string)
		if v.ActionLabel == "" {
			v.ActionLabel = "Open"
		}
	}
	return v
}

func extraFields(extra map[string]any, keysAndNames ...string) []field {
	var out []field
	for i := 0; i+1 < len(keysAndNames); i += 2 {
		if v, ok := extra[keysAndNames[i]]; ok {
			out = append(out, field{Name: keysAndNames[i+1], Value: FormatValue(v)})
		}
	}
	return out
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="margin:0;padding:0;background:#f3f4f6;font-family:Arial,Helvetica,sans-serif;">
<table width="100%" cellpadding="0" cellspacing="0" role="presentation">
<tr><td align="center" style="padding:24px;">
<table width="560" cellpadding="0" cellspacing="0" role="presentation" style="background:#ffffff;border-radius:8px;overflow:hidden;">
<tr><td style="background:{{.Accent}};color:#ffffff;padding:20px 24px;font-size:20px;font-weight:bold;">{{.Heading}}</td></tr>
<tr><td style="padding:24px;color:#111827;font-size:15px;line-height:1.5;">
<h2 style="margin:0 0 16px 0;font-size:18px;">{{.Subject}}</h2>
{{range .Paragraphs}}<p style="margin:0 0 12px 0;">{{.}}</p>
{{end}}{{if .Fields}}<table cellpadding="6" cellspacing="0" role="presentation" style="margin:16px 0;border-collapse:collapse;">
{{range .Fields}}<tr><td style="color:#6b7280;">{{.Name}}</td><td style="font-weight:bold;">{{.Value}}</td></tr>
{{end}}</table>
{{end}}{{if .ActionURL}}<p style="margin:24px 0;"><a href="{{.ActionURL}}" style="background:{{.Accent}};color:#ffffff;padding:12px 20px;border-radius:6px;text-decoration:none;">{{.ActionLabel}}</a></p>
{{end}}</td></tr>
<tr><td style="padding:16px 24px;color:#9ca3af;font-size:12px;">Nicotine Tracker</td></tr>
</table>
</td></tr>
</table>
</body>
</html>
`))
