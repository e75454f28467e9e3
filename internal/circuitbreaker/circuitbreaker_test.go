package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/channel"
	"github.com/lalithlochan/nicotrack/internal/clock"
	"github.com/lalithlochan/nicotrack/internal/db"
)

var start = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newBreaker(cfg Config) (*CircuitBreaker, *clock.Fake) {
	clk := clock.NewFake(start)
	return New(cfg, clk, zap.NewNop()), clk
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb, _ := newBreaker(DefaultConfig("test"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second})
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", cb.GetState())
	}
	trip(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	tests := []struct {
		name      string
		trialOK   bool
		wantState State
	}{
		{"successful trial closes", true, StateClosed},
		{"failed trial reopens", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
			trip(cb, 2)

			clk.Advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should still reject before the recovery timeout")
			}

			clk.Advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow a trial request after timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("second half-open request should be rejected")
			}

			if tt.trialOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.wantState {
				t.Fatalf("expected %s, got %s", tt.wantState, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second})
	trip(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newBreaker(Config{Name: "stats-test", MaxFailures: 5, RecoveryTimeout: 5 * time.Second})
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastFailure != start.Format(time.RFC3339) {
		t.Fatalf("last_failure = %q", stats.LastFailure)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

// --- ProtectedSender ---

type mockSender struct {
	result    channel.Result
	sendCalls int
}

func (m *mockSender) Send(ctx context.Context, item *db.QueueItem) channel.Result {
	m.sendCalls++
	return m.result
}

func (m *mockSender) SupportsChannel(ch db.Channel) bool {
	return ch.IsWebhook()
}

func webhookItem(url string) *db.QueueItem {
	return &db.QueueItem{ID: uuid.New(), Channel: db.ChannelDiscord, Recipient: url}
}

func newProtected(mock *mockSender, key KeyFunc) (*ProtectedSender, *clock.Fake) {
	clk := clock.NewFake(start)
	cfg := Config{MaxFailures: 2, RecoveryTimeout: time.Minute}
	return NewProtectedSender(mock, key, cfg, clk, zap.NewNop()), clk
}

func TestProtectedSender_FailFastIsRetryable(t *testing.T) {
	mock := &mockSender{result: channel.Retry(errors.New("503"))}
	ps, _ := newProtected(mock, ByHost)
	item := webhookItem("https://discord.com/api/webhooks/1/abc")

	ps.Send(context.Background(), item)
	ps.Send(context.Background(), item)
	mock.sendCalls = 0

	res := ps.Send(context.Background(), item)
	if res.Outcome != channel.Retryable {
		t.Fatalf("expected retryable, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", res.Err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedSender_PermanentDoesNotTrip(t *testing.T) {
	mock := &mockSender{result: channel.Fail(errors.New("404"))}
	ps, _ := newProtected(mock, ByHost)
	item := webhookItem("https://hooks.slack.com/services/x")

	for i := 0; i < 5; i++ {
		if res := ps.Send(context.Background(), item); res.Outcome != channel.Permanent {
			t.Fatalf("attempt %d: got %s", i, res.Outcome)
		}
	}
	if mock.sendCalls != 5 {
		t.Fatalf("calls = %d, want 5", mock.sendCalls)
	}
	if ps.Breaker("hooks.slack.com").GetState() != StateClosed {
		t.Fatal("permanent failures must not open the circuit")
	}
}

func TestProtectedSender_BreakersArePerHost(t *testing.T) {
	mock := &mockSender{result: channel.Retry(errors.New("timeout"))}
	ps, _ := newProtected(mock, ByHost)

	bad := webhookItem("https://bad.example/hook")
	ps.Send(context.Background(), bad)
	ps.Send(context.Background(), bad)
	if ps.Breaker("bad.example").GetState() != StateOpen {
		t.Fatal("expected bad host breaker open")
	}

	mock.result = channel.OK()
	good := webhookItem("https://good.example/hook")
	if res := ps.Send(context.Background(), good); res.Outcome != channel.Sent {
		t.Fatalf("other host should be unaffected, got %s", res.Outcome)
	}

	stats := ps.Stats()
	if len(stats) != 2 || stats[0].Name != "bad.example" || stats[1].Name != "good.example" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	mock := &mockSender{result: channel.OK()}
	ps, clk := newProtected(mock, ByChannel)
	item := webhookItem("https://discord.com/api/webhooks/1/abc")
	ctx := context.Background()

	if res := ps.Send(ctx, item); res.Outcome != channel.Sent {
		t.Fatalf("phase1: %v", res.Err)
	}

	mock.result = channel.Retry(errors.New("discord down"))
	ps.Send(ctx, item)
	ps.Send(ctx, item)
	if ps.Breaker("discord").GetState() != StateOpen {
		t.Fatal("phase2: expected open")
	}

	clk.Advance(time.Minute)
	mock.result = channel.OK()
	if res := ps.Send(ctx, item); res.Outcome != channel.Sent {
		t.Fatalf("phase3: %v", res.Err)
	}
	if ps.Breaker("discord").GetState() != StateClosed {
		t.Fatal("phase3: expected closed")
	}
}

func TestProtectedSender_SupportsChannel(t *testing.T) {
	ps, _ := newProtected(&mockSender{}, nil)
	if !ps.SupportsChannel(db.ChannelSlack) {
		t.Fatal("should support slack")
	}
	if ps.SupportsChannel(db.ChannelEmail) {
		t.Fatal("should not support email")
	}
}
