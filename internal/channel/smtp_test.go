package channel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSMTP is a single-connection SMTP server that answers RCPT with
// rcptReply and records the DATA payload.
type fakeSMTP struct {
	ln        net.Listener
	rcptReply string
	// authReply, when set, advertises AUTH and answers it.
	authReply string

	mu   sync.Mutex
	data string
}

func startFakeSMTP(t *testing.T, rcptReply string) *fakeSMTP {
	return startFakeSMTPWithAuth(t, rcptReply, "")
}

func startFakeSMTPWithAuth(t *testing.T, rcptReply, authReply string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeSMTP{ln: ln, rcptReply: rcptReply, authReply: authReply}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeSMTP) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSMTP) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := textproto.NewReader(bufio.NewReader(conn))
	reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch cmd {
		case "EHLO", "HELO":
			if f.authReply != "" {
				reply("250-localhost")
				reply("250 AUTH PLAIN")
			} else {
				reply("250 localhost")
			}
		case "AUTH":
			reply(f.authReply)
		case "MAIL":
			reply("250 OK")
		case "RCPT":
			reply(f.rcptReply)
		case "DATA":
			reply("354 go ahead")
			lines, err := r.ReadDotLines()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.data = strings.Join(lines, "\n")
			f.mu.Unlock()
			reply("250 queued")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (f *fakeSMTP) received() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data
}

func testMessage() *Message {
	return &Message{
		To:      "user@example.com",
		Subject: "Daily check-in",
		Text:    "Log today's pouches.",
		HTML:    "<p>Log today's pouches.</p>",
	}
}

func TestSMTPMailer_Delivers(t *testing.T) {
	srv := startFakeSMTP(t, "250 OK")
	m := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "noreply@example.com", Timeout: 2 * time.Second})

	if err := m.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The server records DATA before replying, so it is visible once Send returns.
	data := srv.received()
	for _, want := range []string{
		"From: noreply@example.com",
		"To: user@example.com",
		"multipart/alternative",
		"text/plain; charset=UTF-8",
		"text/html; charset=UTF-8",
		"Log today's pouches.",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSMTPMailer_Classification(t *testing.T) {
	tests := []struct {
		reply     string
		permanent bool
		bounced   bool
	}{
		{"550 5.1.1 mailbox unavailable", true, true},
		{"551 user not local", true, true},
		{"553 mailbox name not allowed", true, true},
		{"554 transaction failed", true, false},
		{"452 insufficient storage", false, false},
		{"421 service not available", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.reply[:3], func(t *testing.T) {
			srv := startFakeSMTP(t, tt.reply)
			m := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "noreply@example.com", Timeout: 2 * time.Second})

			err := m.Send(context.Background(), testMessage())
			if err == nil {
				t.Fatal("expected error")
			}
			res := FromError(err)
			if (res.Outcome == Permanent) != tt.permanent {
				t.Errorf("outcome = %s, permanent want %v", res.Outcome, tt.permanent)
			}
			if res.Bounced != tt.bounced {
				t.Errorf("bounced = %v, want %v", res.Bounced, tt.bounced)
			}
		})
	}
}

func TestSMTPMailer_ConfigurationErrorsArePermanent(t *testing.T) {
	tests := []struct {
		name string
		cfg  SMTPConfig
		to   string
	}{
		{"missing host", SMTPConfig{From: "noreply@example.com"}, "user@example.com"},
		{"missing from", SMTPConfig{Host: "127.0.0.1"}, "user@example.com"},
		{"bad recipient", SMTPConfig{Host: "127.0.0.1", From: "noreply@example.com"}, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage()
			msg.To = tt.to
			err := NewSMTPMailer(tt.cfg).Send(context.Background(), msg)
			var perm *PermanentError
			if !errors.As(err, &perm) {
				t.Fatalf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestSMTPMailer_ConnectionRefusedIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: port, From: "noreply@example.com", Timeout: time.Second})
	err = m.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if res := FromError(err); res.Outcome != Retryable {
		t.Fatalf("outcome = %s, want retryable", res.Outcome)
	}
}

func TestSMTPMailer_AuthFailures(t *testing.T) {
	tests := []struct {
		name      string
		authReply string
		permanent bool
	}{
		{"accepted", "235 2.7.0 authenticated", false},
		{"bad credentials", "535 5.7.8 authentication failed", true},
		{"temporary failure", "454 4.7.0 try again later", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startFakeSMTPWithAuth(t, "250 OK", tt.authReply)
			m := NewSMTPMailer(SMTPConfig{
				Host:     "127.0.0.1",
				Port:     srv.port(),
				Username: "mailer",
				Password: "secret",
				From:     "noreply@example.com",
				Timeout:  2 * time.Second,
			})

			err := m.Send(context.Background(), testMessage())
			if tt.authReply[0] == '2' {
				if err != nil {
					t.Fatalf("send: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if res := FromError(err); (res.Outcome == Permanent) != tt.permanent {
				t.Errorf("outcome = %s, permanent want %v", res.Outcome, tt.permanent)
			}
		})
	}
}

func TestClassifyAuth(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		// net/smtp refuses PLAIN without TLS to a remote host before
		// talking to the server.
		{"unencrypted connection", errors.New("unencrypted connection"), true},
		{"wrong host name", errors.New("wrong host name"), true},
		{"535 rejected", &textproto.Error{Code: 535, Msg: "bad credentials"}, true},
		{"454 temporary", &textproto.Error{Code: 454, Msg: "try later"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifySMTP(classifyAuth(tt.err))
			var perm *PermanentError
			if errors.As(err, &perm) != tt.permanent {
				t.Errorf("permanent = %v, want %v (err %v)", !tt.permanent, tt.permanent, err)
			}
		})
	}
}
