package progress_test

import (
	"testing"
	"time"

	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/progress"
)

func recv(t *testing.T, sub *progress.Subscription) models.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed while waiting for event")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.ProgressEvent{}
}

func TestBus_SubscribeThenPublish(t *testing.T) {
	bus := progress.New()
	sub := bus.Subscribe("t1")
	defer bus.Unsubscribe(sub)

	bus.Publish("t1", 40, "extracting")

	ev := recv(t, sub)
	if ev.Progress != 40 || ev.Message != "extracting" || ev.TaskID != "t1" {
		t.Errorf("event = %+v, want progress 40", ev)
	}
}

func TestBus_ReplaysLastValue(t *testing.T) {
	bus := progress.New()
	bus.Publish("t1", 55, "writing")

	sub := bus.Subscribe("t1")
	defer bus.Unsubscribe(sub)

	ev := recv(t, sub)
	if ev.Progress != 55 {
		t.Errorf("replayed progress = %d, want 55", ev.Progress)
	}
}

func TestBus_OrderPreserved(t *testing.T) {
	bus := progress.New()
	sub := bus.Subscribe("t1")
	defer bus.Unsubscribe(sub)

	for _, p := range []int{10, 20, 30} {
		bus.Publish("t1", p, "")
	}
	for _, want := range []int{10, 20, 30} {
		if ev := recv(t, sub); ev.Progress != want {
			t.Errorf("progress = %d, want %d", ev.Progress, want)
		}
	}
}

func TestBus_SlowSubscriberKeepsLatest(t *testing.T) {
	bus := progress.New()
	sub := bus.Subscribe("t1")
	defer bus.Unsubscribe(sub)

	// Overflow the subscription buffer without draining.
	for p := 0; p <= 60; p++ {
		bus.Publish("t1", p, "")
	}

	var last models.ProgressEvent
	for {
		select {
		case ev := <-sub.C():
			last = ev
			continue
		default:
		}
		break
	}
	if last.Progress != 60 {
		t.Errorf("latest received = %d, want 60", last.Progress)
	}
}

func TestBus_ClampsRange(t *testing.T) {
	bus := progress.New()
	bus.Publish("t1", 250, "")
	if ev, ok := bus.Last("t1"); !ok || ev.Progress != 100 {
		t.Errorf("Last() = %+v, want clamped 100", ev)
	}

	bus.Publish("t2", -7, "")
	if ev, ok := bus.Last("t2"); !ok || ev.Progress != models.ProgressFailed {
		t.Errorf("Last() = %+v, want clamped %d", ev, models.ProgressFailed)
	}
}

func TestBus_TerminalExpiresReplay(t *testing.T) {
	bus := progress.NewWithLinger(20 * time.Millisecond)
	sub := bus.Subscribe("t1")

	bus.Publish("t1", 100, "done")
	if ev := recv(t, sub); ev.Progress != 100 {
		t.Fatalf("terminal progress = %d, want 100", ev.Progress)
	}

	deadline := time.After(time.Second)
waitClosed:
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				break waitClosed
			}
		case <-deadline:
			t.Fatal("subscription not closed after linger")
		}
	}
	if _, ok := bus.Last("t1"); ok {
		t.Error("Last() still cached after linger expiry")
	}
	late := bus.Subscribe("t1")
	defer bus.Unsubscribe(late)
	select {
	case ev := <-late.C():
		t.Errorf("late subscriber got replay %+v, want none", ev)
	default:
	}
}

func TestBus_RepublishBeforeExpiryKeepsKey(t *testing.T) {
	bus := progress.NewWithLinger(30 * time.Millisecond)

	bus.Publish("t1", 100, "done")
	bus.Publish("t1", 0, "restarted")

	time.Sleep(80 * time.Millisecond)

	ev, ok := bus.Last("t1")
	if !ok {
		t.Fatal("key expired although a fresh run republished")
	}
	if ev.Progress != 0 {
		t.Errorf("Last() progress = %d, want 0", ev.Progress)
	}
}

func TestBus_UnsubscribeTwice(t *testing.T) {
	bus := progress.New()
	sub := bus.Subscribe("t1")
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub) // must not panic

	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after Unsubscribe")
	}
}

func TestBus_FailureIsTerminal(t *testing.T) {
	bus := progress.NewWithLinger(20 * time.Millisecond)
	bus.Publish("t1", models.ProgressFailed, "boom")

	time.Sleep(80 * time.Millisecond)

	if _, ok := bus.Last("t1"); ok {
		t.Error("failed terminal value still cached after linger")
	}
}
