package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/channel"
	"github.com/lalithlochan/nicotrack/internal/db"
	"github.com/lalithlochan/nicotrack/internal/db/memdb"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// scriptedSender returns results in order, repeating the last one.
type scriptedSender struct {
	mu      sync.Mutex
	results []channel.Result
	sent    []*db.QueueItem
	panicOn uuid.UUID
}

func (s *scriptedSender) Send(ctx context.Context, item *db.QueueItem) channel.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == s.panicOn {
		panic("boom")
	}
	s.sent = append(s.sent, item)
	if len(s.results) == 0 {
		return channel.OK()
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res
}

func (s *scriptedSender) SupportsChannel(db.Channel) bool { return true }

type recordingListener struct {
	recs []*db.HistoryRecord
}

func (l *recordingListener) OnFinalized(_ context.Context, rec *db.HistoryRecord) {
	l.recs = append(l.recs, rec)
}

func newStore() *memdb.Store {
	s := memdb.New()
	s.PutUser(&db.User{ID: 1, Email: "user@example.com"})
	return s
}

func enqueue(t *testing.T, s *memdb.Store, priority int, scheduled time.Time, subject string) *db.QueueItem {
	t.Helper()
	it := &db.QueueItem{
		ID:           uuid.New(),
		UserID:       1,
		Channel:      db.ChannelEmail,
		Category:     db.CategoryTest,
		Subject:      subject,
		Body:         "body",
		Recipient:    "user@example.com",
		Priority:     priority,
		ScheduledFor: scheduled,
		CreatedAt:    scheduled,
		Status:       db.StatusPending,
		MaxAttempts:  3,
	}
	if err := s.CreateQueueItem(context.Background(), it); err != nil {
		t.Fatalf("create: %v", err)
	}
	return it
}

func TestProcessQueue_PriorityOrder(t *testing.T) {
	store := newStore()
	sender := &scriptedSender{}
	p := New(store, sender, Config{}, zap.NewNop())

	enqueue(t, store, 5, t0.Add(-3*time.Minute), "low-old")
	enqueue(t, store, 1, t0.Add(-1*time.Minute), "high-new")
	enqueue(t, store, 1, t0.Add(-2*time.Minute), "high-old")
	enqueue(t, store, 2, t0.Add(time.Minute), "not-due")

	n, err := p.ProcessQueue(context.Background(), 10, t0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 3 {
		t.Fatalf("handled %d, want 3", n)
	}

	var got []string
	for _, it := range sender.sent {
		got = append(got, it.Subject)
	}
	want := []string{"high-old", "high-new", "low-old"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", got, want)
	}

	if len(store.Items()) != 1 {
		t.Fatalf("expected only the future item to remain, got %d", len(store.Items()))
	}
	for _, h := range store.History() {
		if h.DeliveryStatus != db.DeliverySent || h.AttemptsMade != 1 {
			t.Errorf("unexpected history: %+v", h)
		}
	}
}

func TestProcessQueue_BatchSizeLimits(t *testing.T) {
	store := newStore()
	p := New(store, &scriptedSender{}, Config{}, zap.NewNop())
	for i := 0; i < 5; i++ {
		enqueue(t, store, 5, t0, "x")
	}

	n, _ := p.ProcessQueue(context.Background(), 2, t0)
	if n != 2 || len(store.Items()) != 3 {
		t.Fatalf("handled=%d remaining=%d", n, len(store.Items()))
	}
}

func TestProcessQueue_RetryBackoff(t *testing.T) {
	store := newStore()
	sender := &scriptedSender{results: []channel.Result{channel.Retry(errors.New("503"))}}
	p := New(store, sender, Config{}, zap.NewNop())
	it := enqueue(t, store, 5, t0, "retry")

	now := t0
	var prev time.Time
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := p.ProcessQueue(context.Background(), 10, now); err != nil {
			t.Fatalf("process: %v", err)
		}
		got, ok := store.Item(it.ID)
		if !ok {
			t.Fatalf("attempt %d: item should still be queued", attempt)
		}
		if got.Status != db.StatusPending || got.Attempts != attempt {
			t.Fatalf("attempt %d: status=%s attempts=%d", attempt, got.Status, got.Attempts)
		}
		wantAt := now.Add(time.Duration(1<<attempt) * time.Minute)
		if !got.ScheduledFor.Equal(wantAt) {
			t.Fatalf("attempt %d: scheduled_for=%v want %v", attempt, got.ScheduledFor, wantAt)
		}
		if !got.ScheduledFor.After(prev) {
			t.Fatal("scheduled_for must move forward")
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != "503" {
			t.Fatalf("error message = %v", got.ErrorMessage)
		}
		prev = got.ScheduledFor

		// Not due yet: a run before scheduled_for must not touch it.
		if n, _ := p.ProcessQueue(context.Background(), 10, got.ScheduledFor.Add(-time.Second)); n != 0 {
			t.Fatalf("processed %d items before they were due", n)
		}
		now = got.ScheduledFor
	}
}

func TestProcessQueue_Exhaustion(t *testing.T) {
	store := newStore()
	sender := &scriptedSender{results: []channel.Result{channel.Retry(errors.New("timeout"))}}
	listener := &recordingListener{}
	p := New(store, sender, Config{}, zap.NewNop())
	p.AddListener(listener)
	enqueue(t, store, 5, t0, "doomed")

	now := t0
	for i := 0; i < 10 && len(store.Items()) > 0; i++ {
		_, _ = p.ProcessQueue(context.Background(), 10, now)
		now = now.Add(time.Hour)
	}

	if len(store.Items()) != 0 {
		t.Fatal("item should be gone after exhausting retries")
	}
	hist := store.History()
	if len(hist) != 1 {
		t.Fatalf("expected exactly one history record, got %d", len(hist))
	}
	if hist[0].DeliveryStatus != db.DeliveryFailed || hist[0].AttemptsMade != 3 {
		t.Fatalf("unexpected history: %+v", hist[0])
	}
	if len(sender.sent) != 3 {
		t.Fatalf("sender called %d times, want 3", len(sender.sent))
	}
	if len(listener.recs) != 1 {
		t.Fatalf("listener saw %d records", len(listener.recs))
	}
}

func TestProcessQueue_PermanentFailure(t *testing.T) {
	tests := []struct {
		name   string
		result channel.Result
		want   db.DeliveryStatus
	}{
		{"rejected", channel.Fail(errors.New("404")), db.DeliveryFailed},
		{"bounced", channel.Bounce(errors.New("550 no such user")), db.DeliveryBounced},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore()
			p := New(store, &scriptedSender{results: []channel.Result{tt.result}}, Config{}, zap.NewNop())
			enqueue(t, store, 5, t0, "x")

			n, _ := p.ProcessQueue(context.Background(), 10, t0)
			if n != 1 || len(store.Items()) != 0 {
				t.Fatalf("handled=%d remaining=%d", n, len(store.Items()))
			}
			h := store.History()[0]
			if h.DeliveryStatus != tt.want || h.AttemptsMade != 1 || h.ErrorMessage == nil {
				t.Fatalf("unexpected history: %+v", h)
			}
		})
	}
}

type staticSuppressor string

func (s staticSuppressor) Suppress(context.Context, *db.QueueItem) (string, error) {
	return string(s), nil
}

func TestProcessQueue_Suppressed(t *testing.T) {
	store := newStore()
	sender := &scriptedSender{}
	p := New(store, sender, Config{}, zap.NewNop()).WithSuppressor(staticSuppressor("disabled by preferences"))
	enqueue(t, store, 5, t0, "x")

	if n, _ := p.ProcessQueue(context.Background(), 10, t0); n != 1 {
		t.Fatalf("handled %d", n)
	}
	if len(sender.sent) != 0 {
		t.Fatal("suppressed item must not be sent")
	}
	h := store.History()[0]
	if h.DeliveryStatus != db.DeliveryFailed || h.AttemptsMade != 0 {
		t.Fatalf("unexpected history: %+v", h)
	}
	if *h.ErrorMessage != "suppressed: disabled by preferences" {
		t.Fatalf("error = %q", *h.ErrorMessage)
	}
}

func TestProcessQueue_PanicIsIsolated(t *testing.T) {
	store := newStore()
	bad := enqueue(t, store, 1, t0, "bad")
	enqueue(t, store, 2, t0, "good")
	sender := &scriptedSender{panicOn: bad.ID}
	p := New(store, sender, Config{}, zap.NewNop())

	n, err := p.ProcessQueue(context.Background(), 10, t0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 2 {
		t.Fatalf("handled %d, want 2", n)
	}
	got, ok := store.Item(bad.ID)
	if !ok || got.Attempts != 1 || got.Status != db.StatusPending {
		t.Fatalf("panicking item should be retried, got %+v", got)
	}
	if len(sender.sent) != 1 || sender.sent[0].Subject != "good" {
		t.Fatal("the other item should still be delivered")
	}
}

// lossyStore loses the claim race for every item.
type lossyStore struct {
	*memdb.Store
}

func (lossyStore) Claim(context.Context, uuid.UUID, time.Time) (*db.QueueItem, bool, error) {
	return nil, false, nil
}

func TestProcessQueue_LostClaimIsSkipped(t *testing.T) {
	store := newStore()
	enqueue(t, store, 5, t0, "x")
	sender := &scriptedSender{}
	p := New(lossyStore{store}, sender, Config{}, zap.NewNop())

	n, err := p.ProcessQueue(context.Background(), 10, t0)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("unclaimed item must not be sent")
	}
}

func TestProcessQueue_ConcurrentProcessorsDeliverOnce(t *testing.T) {
	store := newStore()
	for i := 0; i < 20; i++ {
		enqueue(t, store, 5, t0, "x")
	}
	sender := &scriptedSender{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := New(store, sender, Config{}, zap.NewNop())
			_, _ = p.ProcessQueue(context.Background(), 20, t0)
		}()
	}
	wg.Wait()

	if len(sender.sent) != 20 {
		t.Fatalf("sent %d, want exactly 20", len(sender.sent))
	}
	if len(store.History()) != 20 {
		t.Fatalf("history %d, want 20", len(store.History()))
	}
}

func TestRecover_ReleasesStaleClaims(t *testing.T) {
	store := newStore()
	it := enqueue(t, store, 5, t0, "x")
	if _, ok, _ := store.Claim(context.Background(), it.ID, t0); !ok {
		t.Fatal("claim failed")
	}

	p := New(store, &scriptedSender{}, Config{StaleAfter: 10 * time.Minute}, zap.NewNop())

	if n, _ := p.Recover(context.Background(), t0.Add(5*time.Minute)); n != 0 {
		t.Fatalf("released %d fresh claims", n)
	}
	if n, _ := p.Recover(context.Background(), t0.Add(11*time.Minute)); n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	if n, _ := p.ProcessQueue(context.Background(), 10, t0.Add(11*time.Minute)); n != 1 {
		t.Fatalf("recovered item should be processed, handled %d", n)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
