package imagegen

import (
	"sync"
	"sync/atomic"
)

// SlotState is the lifecycle position of one slot.
type SlotState string

const (
	SlotIdle      SlotState = "idle"
	SlotPending   SlotState = "pending"
	SlotSucceeded SlotState = "succeeded"
	SlotFailed    SlotState = "failed"
)

// Terminal reports whether the state ends an attempt.
func (s SlotState) Terminal() bool {
	return s == SlotSucceeded || s == SlotFailed
}

// Slot is one independently tracked generation within a batch. Result is set
// only when State is SlotSucceeded and Error only when State is SlotFailed.
type Slot struct {
	Index   int
	State   SlotState
	Result  *Image
	Error   string
	Attempt int
}

// slotTable holds the slots of one batch. The array is never written in
// place: each transition copies it, edits one index and swaps the pointer
// with compare-and-swap, retrying if another completion won the race.
type slotTable struct {
	slots atomic.Pointer[[]Slot]
	note  notifier
}

func newSlotTable(n int) *slotTable {
	initial := make([]Slot, n)
	for i := range initial {
		initial[i] = Slot{Index: i, State: SlotIdle}
	}
	t := &slotTable{}
	t.slots.Store(&initial)
	return t
}

func (t *slotTable) len() int {
	return len(*t.slots.Load())
}

func (t *slotTable) attemptOf(index int) int {
	cur := *t.slots.Load()
	if index < 0 || index >= len(cur) {
		return -1
	}
	return cur[index].Attempt
}

// snapshot returns a copy the caller may keep.
func (t *slotTable) snapshot() []Slot {
	cur := *t.slots.Load()
	out := make([]Slot, len(cur))
	copy(out, cur)
	return out
}

// update applies fn to slot index. fn returns false to leave the table
// unchanged. It reports whether a change was committed.
func (t *slotTable) update(index int, fn func(Slot) (Slot, bool)) (Slot, bool) {
	for {
		oldPtr := t.slots.Load()
		old := *oldPtr
		if index < 0 || index >= len(old) {
			return Slot{}, false
		}
		next, ok := fn(old[index])
		if !ok {
			return old[index], false
		}
		next.Index = index
		replaced := make([]Slot, len(old))
		copy(replaced, old)
		replaced[index] = next
		if t.slots.CompareAndSwap(oldPtr, &replaced) {
			t.note.broadcast()
			return next, true
		}
	}
}

// begin moves a slot to pending under a fresh attempt number. Any state may
// begin; a pending slot begins again when a retry supersedes its attempt.
func (t *slotTable) begin(index int) (int, bool) {
	s, ok := t.update(index, func(s Slot) (Slot, bool) {
		return Slot{State: SlotPending, Attempt: s.Attempt + 1}, true
	})
	return s.Attempt, ok
}

// complete records the outcome of attempt. Outcomes for a slot that is not
// pending, or whose attempt has moved on, are dropped.
func (t *slotTable) complete(index, attempt int, img Image, err error) bool {
	_, ok := t.update(index, func(s Slot) (Slot, bool) {
		if s.State != SlotPending || s.Attempt != attempt {
			return s, false
		}
		if err != nil {
			return Slot{State: SlotFailed, Error: err.Error(), Attempt: s.Attempt}, true
		}
		result := img
		return Slot{State: SlotSucceeded, Result: &result, Attempt: s.Attempt}, true
	})
	return ok
}

// failPending fails every slot still pending with msg.
func (t *slotTable) failPending(msg string) {
	for i := 0; i < t.len(); i++ {
		t.update(i, func(s Slot) (Slot, bool) {
			if s.State != SlotPending {
				return s, false
			}
			return Slot{State: SlotFailed, Error: msg, Attempt: s.Attempt}, true
		})
	}
}

func (t *slotTable) settled() bool {
	for _, s := range *t.slots.Load() {
		if !s.State.Terminal() {
			return false
		}
	}
	return true
}

// notifier wakes every waiter on each broadcast by closing the current
// channel and starting a new one.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}
