package clock

import (
	"testing"
	"time"
)

func TestLocalNow(t *testing.T) {
	fake := NewFake(time.Date(2026, 1, 15, 4, 0, 0, 0, time.UTC))

	tests := []struct {
		zone     string
		wantHour int
	}{
		{"UTC", 4},
		{"", 4},
		{"America/New_York", 23}, // UTC-5 in January
		{"Asia/Kolkata", 9},      // UTC+5:30
		{"Not/AZone", 4},
	}

	for _, tt := range tests {
		t.Run(tt.zone, func(t *testing.T) {
			got := LocalNow(fake, tt.zone)
			if got.Hour() != tt.wantHour {
				t.Errorf("LocalNow(%q).Hour() = %d, want %d", tt.zone, got.Hour(), tt.wantHour)
			}
			if !got.Equal(fake.Now()) {
				t.Errorf("LocalNow must be the same instant")
			}
		})
	}
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(90 * time.Second)
	if got := f.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("advanced %v", got)
	}
}

func TestLocationCached(t *testing.T) {
	a := Location("Europe/Berlin")
	b := Location("Europe/Berlin")
	if a != b {
		t.Fatal("expected cached location pointer")
	}
}
