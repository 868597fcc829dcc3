// Package progress fans transfer progress out to subscribers. Publishing
// never blocks the publisher; each subscriber sees events in order and is
// guaranteed the latest value even if intermediate ones are dropped.
package progress

import (
	"sync"
	"time"

	"github.com/shuttledb/shuttle/internal/models"
)

const (
	subBuffer = 16

	// DefaultLinger is how long a terminal value stays replayable before
	// the key's cache is torn down.
	DefaultLinger = 60 * time.Second
)

// Bus is a keyed progress broadcaster with last-value replay.
type Bus struct {
	linger time.Duration

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	last *models.ProgressEvent
	subs map[*Subscription]struct{}
	// gen increments on every publish so a stale expiry timer can tell
	// that the key was refreshed and must not tear it down.
	gen int
}

// Subscription is one listener on a task's progress stream.
type Subscription struct {
	taskID string
	ch     chan models.ProgressEvent
	closed bool
}

// C returns the event stream. The channel closes when the subscription is
// torn down or the key's replay cache expires after a terminal value.
func (s *Subscription) C() <-chan models.ProgressEvent { return s.ch }

// TaskID reports the key this subscription listens on.
func (s *Subscription) TaskID() string { return s.taskID }

// push delivers without blocking. When the buffer is full the oldest event
// is dropped so the newest always lands.
func (s *Subscription) push(ev models.ProgressEvent) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// New creates a bus with the default terminal linger.
func New() *Bus {
	return NewWithLinger(DefaultLinger)
}

// NewWithLinger creates a bus whose terminal replay cache expires after d.
func NewWithLinger(d time.Duration) *Bus {
	return &Bus{
		linger: d,
		keys:   make(map[string]*keyState),
	}
}

// Publish broadcasts a progress value for taskID. Progress is clamped to
// [-1, 100]; 100 and -1 are terminal and start the replay cache expiry.
func (b *Bus) Publish(taskID string, progress int, message string) {
	ev := models.ProgressEvent{
		TaskID:   taskID,
		Progress: clamp(progress),
		Message:  message,
		At:       time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ks := b.keys[taskID]
	if ks == nil {
		ks = &keyState{subs: make(map[*Subscription]struct{})}
		b.keys[taskID] = ks
	}
	ks.gen++
	ks.last = &ev

	for sub := range ks.subs {
		sub.push(ev)
	}

	if ev.Terminal() {
		gen := ks.gen
		time.AfterFunc(b.linger, func() { b.expire(taskID, gen) })
	}
}

// Subscribe attaches a listener to taskID. The last published value, if
// any, is replayed into the subscription before Subscribe returns.
func (b *Bus) Subscribe(taskID string) *Subscription {
	sub := &Subscription{
		taskID: taskID,
		ch:     make(chan models.ProgressEvent, subBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ks := b.keys[taskID]
	if ks == nil {
		ks = &keyState{subs: make(map[*Subscription]struct{})}
		b.keys[taskID] = ks
	}
	ks.subs[sub] = struct{}{}
	if ks.last != nil {
		sub.push(*ks.last)
	}
	return sub
}

// Unsubscribe detaches a listener and closes its channel. Safe to call more
// than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	if ks := b.keys[sub.taskID]; ks != nil {
		delete(ks.subs, sub)
		if len(ks.subs) == 0 && ks.last == nil {
			delete(b.keys, sub.taskID)
		}
	}
	sub.closed = true
	close(sub.ch)
}

// Last returns the most recent value published for taskID.
func (b *Bus) Last(taskID string) (models.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks := b.keys[taskID]
	if ks == nil || ks.last == nil {
		return models.ProgressEvent{}, false
	}
	return *ks.last, true
}

// Close tears down every key and subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for taskID, ks := range b.keys {
		for sub := range ks.subs {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.keys, taskID)
	}
}

// expire removes a key whose terminal value has lingered long enough. A
// publish after the terminal one bumps gen and voids this expiry.
func (b *Bus) expire(taskID string, gen int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks := b.keys[taskID]
	if ks == nil || ks.gen != gen {
		return
	}
	for sub := range ks.subs {
		sub.closed = true
		close(sub.ch)
	}
	delete(b.keys, taskID)
}

func clamp(progress int) int {
	if progress > 100 {
		return 100
	}
	if progress < models.ProgressFailed {
		return models.ProgressFailed
	}
	return progress
}
