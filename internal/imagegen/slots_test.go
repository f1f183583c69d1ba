package imagegen

import (
	"errors"
	"sync"
	"testing"
)

func TestSlotTableStaleAttemptIgnored(t *testing.T) {
	table := newSlotTable(2)
	first, _ := table.begin(0)
	second, _ := table.begin(0)
	if second != first+1 {
		t.Fatalf("attempt did not advance: %d -> %d", first, second)
	}

	if table.complete(0, first, Image{URI: "old"}, nil) {
		t.Fatalf("stale attempt was accepted")
	}
	if !table.complete(0, second, Image{URI: "new"}, nil) {
		t.Fatalf("current attempt was rejected")
	}
	slot := table.snapshot()[0]
	if slot.State != SlotSucceeded || slot.Result == nil || slot.Result.URI != "new" {
		t.Fatalf("unexpected slot: %+v", slot)
	}
	if table.complete(0, second, Image{URI: "again"}, nil) {
		t.Fatalf("completion accepted for a terminal slot")
	}
}

func TestSlotTableFailureKeepsOthers(t *testing.T) {
	table := newSlotTable(3)
	attempts := make([]int, 3)
	for i := range attempts {
		attempts[i], _ = table.begin(i)
	}
	table.complete(0, attempts[0], Image{URI: "a"}, nil)
	table.complete(1, attempts[1], Image{}, errors.New("boom"))

	snap := table.snapshot()
	if snap[0].State != SlotSucceeded || snap[1].State != SlotFailed || snap[2].State != SlotPending {
		t.Fatalf("unexpected states: %v %v %v", snap[0].State, snap[1].State, snap[2].State)
	}
	if snap[1].Error != "boom" || snap[1].Result != nil {
		t.Fatalf("failed slot carries wrong fields: %+v", snap[1])
	}
	if table.settled() {
		t.Fatalf("table settled with a pending slot")
	}
}

func TestSlotTableConcurrentCompletions(t *testing.T) {
	const n = 64
	table := newSlotTable(n)
	attempts := make([]int, n)
	for i := range attempts {
		attempts[i], _ = table.begin(i)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			table.complete(i, attempts[i], Image{URI: "ok"}, nil)
		}(i)
	}
	wg.Wait()

	for _, s := range table.snapshot() {
		if s.State != SlotSucceeded {
			t.Fatalf("slot %d lost its completion: %+v", s.Index, s)
		}
	}
	if !table.settled() {
		t.Fatalf("table not settled")
	}
}

func TestSlotTableSnapshotIsCopy(t *testing.T) {
	table := newSlotTable(1)
	snap := table.snapshot()
	snap[0].State = SlotFailed
	if table.snapshot()[0].State != SlotIdle {
		t.Fatalf("snapshot aliases the table")
	}
}

func TestSlotTableFailPending(t *testing.T) {
	table := newSlotTable(2)
	a, _ := table.begin(0)
	table.begin(1)
	table.complete(0, a, Image{URI: "done"}, nil)
	table.failPending("nope")

	snap := table.snapshot()
	if snap[0].State != SlotSucceeded {
		t.Fatalf("terminal slot was overwritten: %+v", snap[0])
	}
	if snap[1].State != SlotFailed || snap[1].Error != "nope" {
		t.Fatalf("pending slot not failed: %+v", snap[1])
	}
}

func TestSlotTableOutOfRange(t *testing.T) {
	table := newSlotTable(1)
	if _, ok := table.begin(3); ok {
		t.Fatalf("begin accepted out of range index")
	}
	if table.attemptOf(-1) != -1 {
		t.Fatalf("attemptOf out of range should be -1")
	}
}
