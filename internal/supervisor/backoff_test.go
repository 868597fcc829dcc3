package supervisor_test

import (
	"testing"
	"time"

	"github.com/shuttledb/shuttle/internal/supervisor"
)

func TestBackoff_Schedule(t *testing.T) {
	b := supervisor.NewBackoff(3*time.Second, 1.5, 30*time.Second)

	want := []time.Duration{
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}
	if got := b.Attempt(); got != 3 {
		t.Errorf("Attempt() = %d, want 3", got)
	}
}

func TestBackoff_Cap(t *testing.T) {
	b := supervisor.NewBackoff(3*time.Second, 1.5, 30*time.Second)

	var last time.Duration
	for i := 0; i < 12; i++ {
		last = b.Next()
		if last > 30*time.Second {
			t.Fatalf("Next() #%d = %v, exceeds cap", i+1, last)
		}
	}
	if last != 30*time.Second {
		t.Errorf("Next() after growth = %v, want capped 30s", last)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := supervisor.NewBackoff(3*time.Second, 1.5, 30*time.Second)
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Attempt(); got != 0 {
		t.Errorf("Attempt() after Reset = %d, want 0", got)
	}
	if got := b.Next(); got != 3*time.Second {
		t.Errorf("Next() after Reset = %v, want 3s", got)
	}
}
