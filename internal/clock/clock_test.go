package clock

import (
	"testing"
	"time"
)

func TestSimulatedAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewSimulated(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", c.Now(), start)
	}

	c.Sleep(3 * time.Second)
	if got, want := c.Now(), start.Add(3*time.Second); !got.Equal(want) {
		t.Fatalf("after Sleep: Now = %v, want %v", got, want)
	}

	c.Advance(-time.Hour)
	if got, want := c.Now(), start.Add(3*time.Second); !got.Equal(want) {
		t.Fatalf("negative Advance moved the clock: %v", got)
	}
}

func TestSimulatedSleepDoesNotBlock(t *testing.T) {
	c := NewSimulated(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		c.Sleep(24 * time.Hour)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("simulated Sleep blocked")
	}
}
