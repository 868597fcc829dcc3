package tracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/tracker"
)

func TestRegistry_CancelSignalsContext(t *testing.T) {
	reg := tracker.New()
	ctx, cancel := context.WithCancel(context.Background())
	reg.Register("t1", cancel, nil)

	if !reg.Cancel("t1") {
		t.Fatal("Cancel() = false, want true for running task")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Cancel()")
	}
}

func TestRegistry_CancelUnknown(t *testing.T) {
	reg := tracker.New()
	if reg.Cancel("missing") {
		t.Error("Cancel() = true for unknown task")
	}
}

func TestRegistry_CancelAfterComplete(t *testing.T) {
	reg := tracker.New()
	_, cancel := context.WithCancel(context.Background())
	reg.Register("t1", cancel, nil)
	reg.Complete("t1", models.StatusCompleted)

	if reg.Cancel("t1") {
		t.Error("Cancel() = true after Complete()")
	}
}

func TestRegistry_CancelAll(t *testing.T) {
	reg := tracker.New()
	_, c1 := context.WithCancel(context.Background())
	_, c2 := context.WithCancel(context.Background())
	_, c3 := context.WithCancel(context.Background())
	reg.Register("t1", c1, nil)
	reg.Register("t2", c2, nil)
	reg.Register("t3", c3, nil)
	reg.Complete("t3", models.StatusFailed)

	if got := reg.CancelAll(); got != 2 {
		t.Errorf("CancelAll() = %d, want 2", got)
	}
}

func TestRegistry_Poll(t *testing.T) {
	reg := tracker.New()

	if st := reg.Poll("t1"); st.Exists {
		t.Error("Poll() Exists = true before Register")
	}

	_, cancel := context.WithCancel(context.Background())
	reg.Register("t1", cancel, map[string]string{"origin": "manual"})

	st := reg.Poll("t1")
	if !st.Exists || !st.Running {
		t.Errorf("Poll() = %+v, want existing running entry", st)
	}
	if st.Metadata["origin"] != "manual" {
		t.Errorf("Poll() metadata = %v", st.Metadata)
	}
	if st.StartedAt.IsZero() {
		t.Error("Poll() StartedAt is zero")
	}

	reg.Complete("t1", models.StatusCancelled)
	st = reg.Poll("t1")
	if st.Running {
		t.Error("Poll() Running = true after Complete")
	}
	if st.Status != models.StatusCancelled {
		t.Errorf("Poll() Status = %v, want %v", st.Status, models.StatusCancelled)
	}
}

func TestRegistry_ReRegisterKeepsStart(t *testing.T) {
	reg := tracker.New()
	_, c1 := context.WithCancel(context.Background())
	reg.Register("t1", c1, nil)
	first := reg.Poll("t1").StartedAt

	time.Sleep(10 * time.Millisecond)
	ctx2, c2 := context.WithCancel(context.Background())
	reg.Register("t1", c2, map[string]string{"attempt": "2"})

	st := reg.Poll("t1")
	if !st.StartedAt.Equal(first) {
		t.Errorf("StartedAt changed on re-register: %v vs %v", st.StartedAt, first)
	}
	if st.Metadata["attempt"] != "2" {
		t.Errorf("metadata not replaced: %v", st.Metadata)
	}

	// The replacement token is the live one.
	reg.Cancel("t1")
	select {
	case <-ctx2.Done():
	case <-time.After(time.Second):
		t.Fatal("replacement context not cancelled")
	}
}

func TestRegistry_Running(t *testing.T) {
	reg := tracker.New()
	_, c1 := context.WithCancel(context.Background())
	_, c2 := context.WithCancel(context.Background())
	reg.Register("b", c1, nil)
	reg.Register("a", c2, nil)
	reg.Complete("b", models.StatusCompleted)

	got := reg.Running()
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("Running() = %v, want [a]", got)
	}
}

func TestRegistry_CleanupGraceAndOrphans(t *testing.T) {
	reg := tracker.NewWithGrace(20 * time.Millisecond)

	_, c1 := context.WithCancel(context.Background())
	reg.Register("done", c1, nil)
	reg.Complete("done", models.StatusCompleted)

	orphanCtx, c2 := context.WithCancel(context.Background())
	reg.Register("orphan", c2, nil)

	// Within grace: nothing is removed yet.
	if got := reg.Cleanup(time.Hour); got != 0 {
		t.Errorf("Cleanup() = %d, want 0 inside grace", got)
	}

	time.Sleep(40 * time.Millisecond)

	// Terminal entry past grace goes; running entry past maxAge is
	// cancelled and purged.
	if got := reg.Cleanup(time.Nanosecond); got != 2 {
		t.Errorf("Cleanup() = %d, want 2", got)
	}
	select {
	case <-orphanCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("orphan context not cancelled by Cleanup")
	}
	if st := reg.Poll("done"); st.Exists {
		t.Error("terminal entry survived Cleanup")
	}
}
