package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig holds SMTP server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds dial and the whole conversation when ctx has no
	// earlier deadline.
	Timeout time.Duration
}

// SMTPMailer sends mail through an SMTP relay, upgrading to TLS when the
// server offers STARTTLS.
type SMTPMailer struct {
	config SMTPConfig
	now    func() time.Time
}

// NewSMTPMailer creates an SMTP transport.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPMailer{config: cfg, now: time.Now}
}

// Send delivers msg. Recipient rejections (550, 551, 553) come back as
// bounced permanent errors, other 5xx replies as permanent errors, and
// everything else as retryable.
func (m *SMTPMailer) Send(ctx context.Context, msg *Message) error {
	if m.config.Host == "" || m.config.From == "" {
		return Permanentf("smtp not configured: host and from are required")
	}
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return Permanentf("invalid recipient %q: %w", msg.To, err)
	}

	body, err := m.build(msg)
	if err != nil {
		return Permanentf("build message: %w", err)
	}

	return classifySMTP(m.deliver(ctx, msg.To, body))
}

func (m *SMTPMailer) deliver(ctx context.Context, to string, body []byte) error {
	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))

	dialer := &net.Dialer{Timeout: m.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline := m.now().Add(m.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}

	c, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.config.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if m.config.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
			if err := c.Auth(auth); err != nil {
				return classifyAuth(err)
			}
		}
	}

	if err := c.Mail(m.config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}

// build renders msg as multipart/alternative with text and HTML parts.
func (m *SMTPMailer) build(msg *Message) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(p.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "From: %s\r\n", m.config.From)
	fmt.Fprintf(&out, "To: %s\r\n", msg.To)
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&out, "Date: %s\r\n", m.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&out, "Message-ID: <%s@%s>\r\n", uuid.NewString(), m.config.Host)
	fmt.Fprintf(&out, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// classifyAuth keeps only 4xx auth replies retryable. Rejected
// credentials and client-side refusals, such as PLAIN over an unencrypted
// link, need a config change.
func classifyAuth(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code < 500 {
		return fmt.Errorf("smtp auth: %w", err)
	}
	return &PermanentError{Err: fmt.Errorf("smtp auth: %w", err)}
}

// classifySMTP marks errors that retrying will not fix.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return err
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		switch tpErr.Code {
		case 550, 551, 553:
			return &PermanentError{Err: fmt.Errorf("smtp send failed: %w", err), Bounced: true}
		default:
			return &PermanentError{Err: fmt.Errorf("smtp send failed: %w", err)}
		}
	}
	return fmt.Errorf("smtp send failed: %w", err)
}
