package clock

import (
	"testing"
	"time"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fake := NewFake(start)
	ticker := fake.NewTicker(5 * time.Second)

	fake.Advance(4 * time.Second)
	select {
	case <-ticker.C():
		t.Fatalf("ticker fired before its interval elapsed")
	default:
	}

	fake.Advance(time.Second)
	select {
	case got := <-ticker.C():
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("expected tick at %s, got %s", start.Add(5*time.Second), got)
		}
	default:
		t.Fatalf("expected ticker to fire after 5s")
	}
}

func TestFakeTickerStopRemovesTicker(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	if fake.TickerCount() != 1 {
		t.Fatalf("expected one ticker, got %d", fake.TickerCount())
	}
	ticker.Stop()
	fake.Advance(2 * time.Second)
	if fake.TickerCount() != 0 {
		t.Fatalf("expected stopped ticker to be dropped, got %d", fake.TickerCount())
	}
	select {
	case <-ticker.C():
		t.Fatalf("stopped ticker must not fire")
	default:
	}
}

func TestFakeTickerDropsUndrainedTicks(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	fake.Advance(time.Second)
	fake.Advance(time.Second)
	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatalf("expected second tick to be dropped while the first was pending")
	default:
	}
}
