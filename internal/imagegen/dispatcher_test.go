package imagegen

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeGenerator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, info CallInfo) (Image, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, _ *Payload) (Image, error) {
	f.calls.Add(1)
	info, _ := CallInfoFromContext(ctx)
	return f.fn(ctx, info)
}

func okGenerator() *fakeGenerator {
	return &fakeGenerator{fn: func(_ context.Context, info CallInfo) (Image, error) {
		return inlineImage("image/png", []byte{byte(info.Slot), byte(info.Attempt)}), nil
	}}
}

func testSource() SourceArtifact {
	return SourceArtifact{Data: []byte("photo"), Filename: "patient.jpg"}
}

func testParams() Parameters {
	return Parameters{Shape: ShapeSquare, Color: ColorNatural}
}

func waitSettled(t *testing.T, d *Dispatcher) []Slot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slots, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return slots
}

func TestDispatchBatchSettlesEverySlot(t *testing.T) {
	gen := okGenerator()
	d := NewDispatcher(gen, DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 4); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	slots := waitSettled(t, d)
	if len(slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(slots))
	}
	for i, s := range slots {
		if s.State != SlotSucceeded || s.Result == nil {
			t.Fatalf("slot %d not succeeded: %+v", i, s)
		}
		if s.Result.Data[0] != byte(i) {
			t.Fatalf("slot %d received result for slot %d", i, s.Result.Data[0])
		}
	}
	if got := gen.calls.Load(); got != 4 {
		t.Fatalf("expected 4 calls, got %d", got)
	}
}

func TestDispatchBatchIsolatesServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderSlot) == "2" {
			http.Error(w, "server overloaded", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-" + r.Header.Get(HeaderSlot)))
	}))
	defer srv.Close()

	client, err := NewClient(ClientOptions{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	d := NewDispatcher(client, DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 4); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	slots := waitSettled(t, d)
	for i, s := range slots {
		if i == 2 {
			if s.State != SlotFailed || !strings.Contains(s.Error, "500") {
				t.Fatalf("slot 2 should fail with status 500, got %+v", s)
			}
			continue
		}
		if s.State != SlotSucceeded || string(s.Result.Data) != "png-"+string(rune('0'+i)) {
			t.Fatalf("slot %d unexpected: %+v", i, s)
		}
	}
}

func TestRegenerateTouchesOnlyItsSlot(t *testing.T) {
	var failSlot1 atomic.Bool
	failSlot1.Store(true)
	gen := &fakeGenerator{fn: func(_ context.Context, info CallInfo) (Image, error) {
		if info.Slot == 1 && failSlot1.Load() {
			return Image{}, newError(KindServer, nil, "status 500: boom")
		}
		return inlineImage("image/png", []byte{byte(info.Slot), byte(info.Attempt)}), nil
	}}
	d := NewDispatcher(gen, DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 3); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	before := waitSettled(t, d)
	if before[1].State != SlotFailed {
		t.Fatalf("slot 1 should have failed: %+v", before[1])
	}

	failSlot1.Store(false)
	if err := d.Regenerate(context.Background(), 1); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	after := waitSettled(t, d)
	if after[1].State != SlotSucceeded || after[1].Attempt != 2 {
		t.Fatalf("slot 1 not regenerated: %+v", after[1])
	}
	for _, i := range []int{0, 2} {
		if after[i].Attempt != before[i].Attempt || after[i].Result != before[i].Result {
			t.Fatalf("slot %d changed during regenerate: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestRegenerateDiscardsSupersededResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &fakeGenerator{fn: func(_ context.Context, info CallInfo) (Image, error) {
		if info.Attempt == 1 {
			close(started)
			<-release
			return Image{URI: "https://cdn.example/stale.png"}, nil
		}
		return Image{URI: "https://cdn.example/fresh.png"}, nil
	}}
	d := NewDispatcher(gen, DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 1); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	<-started
	if err := d.Regenerate(context.Background(), 0); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	slots := waitSettled(t, d)
	if slots[0].Result == nil || slots[0].Result.URI != "https://cdn.example/fresh.png" || slots[0].Attempt != 2 {
		t.Fatalf("unexpected slot after regenerate: %+v", slots[0])
	}

	close(release)
	if err := d.current.Load().group.Wait(); err != nil {
		t.Fatalf("group: %v", err)
	}
	final := d.Slots()[0]
	if final.Result == nil || final.Result.URI != "https://cdn.example/fresh.png" {
		t.Fatalf("stale result overwrote the slot: %+v", final)
	}
}

func TestRegenerateCancelsSupersededCall(t *testing.T) {
	started := make(chan struct{})
	done := make(chan error, 1)
	gen := &fakeGenerator{fn: func(ctx context.Context, info CallInfo) (Image, error) {
		if info.Attempt == 1 {
			close(started)
			<-ctx.Done()
			done <- ctx.Err()
			return Image{}, ctx.Err()
		}
		return Image{URI: "https://cdn.example/fresh.png"}, nil
	}}
	d := NewDispatcher(gen, DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 1); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	<-started
	if err := d.Regenerate(context.Background(), 0); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("attempt 1 ended with %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("attempt 1 was not cancelled")
	}
	slots := waitSettled(t, d)
	if slots[0].State != SlotSucceeded || slots[0].Attempt != 2 {
		t.Fatalf("unexpected slot after regenerate: %+v", slots[0])
	}
}

func TestLaunchSkipsSupersededAttempt(t *testing.T) {
	gen := okGenerator()
	d := NewDispatcher(gen, DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 1); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	waitSettled(t, d)
	b := d.current.Load()
	stale, _ := b.slots.begin(0)
	fresh, _ := b.slots.begin(0)

	// Nothing is in flight, so the stale attempt wins the handle swap.
	d.launch(b, 0, stale)
	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("superseded attempt issued a call: %d calls", got)
	}
	if h := b.inflight[0].Load(); h != nil {
		t.Fatalf("superseded attempt left a handle for attempt %d", h.attempt)
	}

	d.launch(b, 0, fresh)
	slots := waitSettled(t, d)
	if slots[0].State != SlotSucceeded || slots[0].Attempt != fresh {
		t.Fatalf("unexpected slot: %+v", slots[0])
	}
	if got := gen.calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestDispatchBatchValidation(t *testing.T) {
	d := NewDispatcher(okGenerator(), DispatcherOptions{MaxBatchSize: 4})
	tests := []struct {
		name   string
		n      int
		params Parameters
	}{
		{name: "zero slots", n: 0, params: testParams()},
		{name: "too many slots", n: 5, params: testParams()},
		{name: "bad shape", n: 1, params: Parameters{Shape: "round", Color: ColorNatural}},
		{name: "bad color", n: 1, params: Parameters{Shape: ShapeSquare, Color: "neon"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := d.DispatchBatch(context.Background(), testSource(), tc.params, tc.n)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := d.Current(); ok {
				t.Fatalf("rejected dispatch created a batch")
			}
		})
	}
}

func TestDispatchBatchPayloadFailure(t *testing.T) {
	gen := okGenerator()
	d := NewDispatcher(gen, DispatcherOptions{})
	err := d.DispatchBatch(context.Background(), SourceArtifact{}, testParams(), 3)
	if !errors.Is(err, ErrPayloadBuild) {
		t.Fatalf("expected payload build error, got %v", err)
	}
	slots := d.Slots()
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
	for _, s := range slots {
		if s.State != SlotFailed || s.Error != PayloadFailureMessage {
			t.Fatalf("slot not failed with payload message: %+v", s)
		}
	}
	if gen.calls.Load() != 0 {
		t.Fatalf("no call should be issued without a payload")
	}
	if err := d.Regenerate(context.Background(), 0); !errors.Is(err, ErrPayloadBuild) {
		t.Fatalf("expected payload build error on regenerate, got %v", err)
	}
}

func TestRegenerateValidation(t *testing.T) {
	d := NewDispatcher(okGenerator(), DispatcherOptions{})
	if err := d.Regenerate(context.Background(), 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without batch, got %v", err)
	}
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 2); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	waitSettled(t, d)
	for _, index := range []int{-1, 2} {
		if err := d.Regenerate(context.Background(), index); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for index %d, got %v", index, err)
		}
	}
}

func TestDispatcherRequestTimeout(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, _ CallInfo) (Image, error) {
		<-ctx.Done()
		return Image{}, ctx.Err()
	}}
	d := NewDispatcher(gen, DispatcherOptions{RequestTimeout: 20 * time.Millisecond})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 2); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	for _, s := range waitSettled(t, d) {
		if s.State != SlotFailed || !strings.Contains(s.Error, string(KindNetwork)) {
			t.Fatalf("expected network failure, got %+v", s)
		}
	}
}

func TestDispatcherRespectsMaxParallel(t *testing.T) {
	var running, peak atomic.Int32
	gen := &fakeGenerator{fn: func(_ context.Context, info CallInfo) (Image, error) {
		now := running.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return Image{URI: "https://cdn.example/x.png"}, nil
	}}
	d := NewDispatcher(gen, DispatcherOptions{MaxParallel: 2})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 6); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	waitSettled(t, d)
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak.Load())
	}
}

func TestSubscribeDeliversSettledSnapshot(t *testing.T) {
	d := NewDispatcher(okGenerator(), DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 3); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for snap := range d.Subscribe(ctx) {
		settled := true
		for _, s := range snap {
			if !s.State.Terminal() {
				settled = false
			}
		}
		if settled {
			return
		}
	}
	t.Fatalf("subscription closed before the batch settled")
}

func TestResetCancelsInflightCalls(t *testing.T) {
	cancelled := make(chan struct{}, 2)
	gen := &fakeGenerator{fn: func(ctx context.Context, _ CallInfo) (Image, error) {
		<-ctx.Done()
		cancelled <- struct{}{}
		return Image{}, ctx.Err()
	}}
	d := NewDispatcher(gen, DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 2); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	for gen.calls.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	d.Reset()
	if d.Slots() != nil {
		t.Fatalf("slots remain after reset")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-cancelled:
		case <-time.After(5 * time.Second):
			t.Fatalf("in-flight call was not cancelled")
		}
	}
}

func TestDispatchBatchReplacesCurrent(t *testing.T) {
	d := NewDispatcher(okGenerator(), DispatcherOptions{})
	if err := d.DispatchBatch(context.Background(), testSource(), testParams(), 2); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	first, _ := d.Current()
	if err := d.DispatchBatch(context.Background(), testSource(), Parameters{Shape: ShapePortrait, Color: ColorSepia}, 3); err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	second, _ := d.Current()
	if first.ID == second.ID {
		t.Fatalf("batch id did not change")
	}
	if second.Parameters.Shape != ShapePortrait || second.Filename != "patient.jpg" {
		t.Fatalf("unexpected batch info: %+v", second)
	}
	if slots := waitSettled(t, d); len(slots) != 3 {
		t.Fatalf("expected 3 slots from the new batch, got %d", len(slots))
	}
}
