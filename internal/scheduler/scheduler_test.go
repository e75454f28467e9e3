package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/clock"
)

var monday = time.Date(2026, 3, 2, 9, 59, 30, 0, time.UTC)

func TestCron_Next(t *testing.T) {
	tests := []struct {
		spec string
		from time.Time
		want time.Time
	}{
		{"* * * * *", monday, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"0 10 * * MON", monday, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"0 10 * * MON", monday.Add(time.Hour), time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)},
		{"0 2 * * *", monday, time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)},
		{"@every 5m", monday, monday.Add(5 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := Cron(tt.spec)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := s.Next(tt.from); !got.Equal(tt.want) {
				t.Fatalf("Next(%v) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestCron_RejectsBadSpec(t *testing.T) {
	if _, err := Cron("every tuesday"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTick_RunsOnlyDueJobs(t *testing.T) {
	clk := clock.NewFake(monday)
	s := New(clk, zap.NewNop())

	var fast, slow int
	s.Add("fast", Every(time.Minute), func(context.Context, time.Time) error { fast++; return nil })
	s.Add("slow", Every(time.Hour), func(context.Context, time.Time) error { slow++; return nil })

	if n := s.Tick(context.Background(), monday.Add(30*time.Second)); n != 0 {
		t.Fatalf("ran %d jobs before anything was due", n)
	}

	now := monday.Add(time.Minute)
	if n := s.Tick(context.Background(), now); n != 1 {
		t.Fatalf("ran %d, want 1", n)
	}
	if fast != 1 || slow != 0 {
		t.Fatalf("fast=%d slow=%d", fast, slow)
	}

	next, ok := s.NextRun("fast")
	if !ok || !next.Equal(now.Add(time.Minute)) {
		t.Fatalf("next run = %v", next)
	}
	if _, ok := s.NextRun("missing"); ok {
		t.Fatal("unknown job should not have a next run")
	}
}

func TestTick_FailuresDoNotStopOtherJobs(t *testing.T) {
	clk := clock.NewFake(monday)
	s := New(clk, zap.NewNop())

	var ran []string
	s.Add("errors", Every(time.Minute), func(context.Context, time.Time) error {
		ran = append(ran, "errors")
		return errors.New("db down")
	})
	s.Add("panics", Every(time.Minute), func(context.Context, time.Time) error {
		ran = append(ran, "panics")
		panic("nil map")
	})
	s.Add("healthy", Every(time.Minute), func(context.Context, time.Time) error {
		ran = append(ran, "healthy")
		return nil
	})

	now := monday.Add(time.Minute)
	if n := s.Tick(context.Background(), now); n != 3 {
		t.Fatalf("ran %d, want 3", n)
	}
	if len(ran) != 3 || ran[2] != "healthy" {
		t.Fatalf("ran = %v", ran)
	}

	// Failed jobs are rescheduled like successful ones.
	for _, name := range []string{"errors", "panics"} {
		next, _ := s.NextRun(name)
		if !next.Equal(now.Add(time.Minute)) {
			t.Errorf("%s next run = %v", name, next)
		}
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	s := New(clock.System{}, zap.NewNop())

	ran := make(chan struct{}, 10)
	s.Add("job", Every(time.Millisecond), func(context.Context, time.Time) error {
		ran <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
