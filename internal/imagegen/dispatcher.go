package imagegen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"clinicgen/internal/infra"
)

// PayloadFailureMessage is stored in every slot when the batch payload cannot
// be built.
const PayloadFailureMessage = "the photo could not be prepared for generation"

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// MaxBatchSize bounds n in DispatchBatch. Zero means 8.
	MaxBatchSize int
	// MaxParallel bounds concurrent calls per batch. Zero means MaxBatchSize.
	MaxParallel int
	// RequestTimeout bounds each call. Zero means 60s.
	RequestTimeout time.Duration
	// Limiter paces calls across batches when set.
	Limiter *rate.Limiter
	Logger  *infra.Logger
}

// Dispatcher owns the current batch: it fans out one call per slot and
// routes every outcome into that slot only.
type Dispatcher struct {
	gen          Generator
	maxBatchSize int
	timeout      time.Duration
	maxParallel  int
	limiter      *rate.Limiter
	logger       *infra.Logger

	current atomic.Pointer[batch]
	// dispatchMu serializes batch replacement only; slot updates never take it.
	dispatchMu sync.Mutex
}

// BatchInfo describes the current batch.
type BatchInfo struct {
	ID         string
	Parameters Parameters
	Filename   string
	CreatedAt  time.Time
	Slots      []Slot
}

type batch struct {
	id        string
	params    Parameters
	filename  string
	createdAt time.Time
	payload   *Payload
	slots     *slotTable
	inflight  []atomic.Pointer[attemptHandle]
	group     errgroup.Group
	ctx       context.Context
	cancel    context.CancelFunc
}

// attemptHandle lets a newer attempt cancel the call it supersedes.
type attemptHandle struct {
	attempt int
	cancel  context.CancelFunc
}

// NewDispatcher wires a generator with concurrency settings.
func NewDispatcher(gen Generator, opts DispatcherOptions) *Dispatcher {
	maxBatch := opts.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 8
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = maxBatch
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Dispatcher{
		gen:          gen,
		maxBatchSize: maxBatch,
		timeout:      timeout,
		maxParallel:  maxParallel,
		limiter:      opts.Limiter,
		logger:       logger,
	}
}

// MaxBatchSize returns the largest accepted batch.
func (d *Dispatcher) MaxBatchSize() int {
	return d.maxBatchSize
}

// DispatchBatch replaces the current batch with n fresh slots and starts one
// generation call per slot. It returns once the calls are started; use Wait
// or Subscribe to observe completion. Validation failures leave the current
// batch untouched. A payload failure fails every slot and is returned.
func (d *Dispatcher) DispatchBatch(ctx context.Context, src SourceArtifact, params Parameters, n int) error {
	if n <= 0 || n > d.maxBatchSize {
		return newError(KindValidation, nil, "batch size must be between 1 and %d, got %d", d.maxBatchSize, n)
	}
	if err := params.Validate(); err != nil {
		return err
	}

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	// The batch outlives the request that created it; only Reset or a
	// replacing batch cancels it.
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &batch{
		id:        uuid.NewString(),
		params:    params,
		filename:  sourceFilename(src),
		createdAt: time.Now().UTC(),
		slots:     newSlotTable(n),
		inflight:  make([]atomic.Pointer[attemptHandle], n),
		ctx:       bctx,
		cancel:    cancel,
	}
	b.group.SetLimit(d.maxParallel)

	attempts := make([]int, n)
	for i := 0; i < n; i++ {
		attempts[i], _ = b.slots.begin(i)
	}

	// The payload is attached before the batch is published so readers of
	// d.current never observe it half-built.
	payload, err := Prepare(src, params)
	if err != nil {
		b.slots.failPending(PayloadFailureMessage)
		d.publish(b)
		d.logger.Error().Err(err).Str("batch_id", b.id).Msg("imagegen: payload build failed")
		return err
	}
	b.payload = payload
	d.publish(b)

	d.logger.Info().
		Str("batch_id", b.id).
		Int("slots", n).
		Str("shape", string(params.Shape)).
		Str("color", string(params.Color)).
		Int("payload_bytes", payload.Size()).
		Msg("imagegen: batch dispatched")

	// Launching happens off the caller's goroutine because errgroup.Go blocks
	// once MaxParallel calls are running.
	go func() {
		for i := 0; i < n; i++ {
			d.launch(b, i, attempts[i])
		}
	}()
	return nil
}

type callInfoKey struct{}

// CallInfo identifies the slot attempt a generation call belongs to.
type CallInfo struct {
	BatchID string
	Slot    int
	Attempt int
}

// WithCallInfo attaches info to ctx.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFromContext returns the CallInfo attached by the dispatcher.
func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}

// publish makes b the current batch and cancels the one it replaces.
func (d *Dispatcher) publish(b *batch) {
	if prev := d.current.Swap(b); prev != nil {
		prev.cancel()
		d.logger.Debug().Str("batch_id", prev.id).Msg("imagegen: batch replaced")
	}
}

// Regenerate re-issues the call for one slot of the current batch. Other
// slots are not touched. A regenerate on a pending slot supersedes its
// in-flight attempt, whose result is then discarded.
func (d *Dispatcher) Regenerate(ctx context.Context, index int) error {
	b := d.current.Load()
	if b == nil {
		return newError(KindValidation, nil, "no batch to regenerate from")
	}
	if index < 0 || index >= b.slots.len() {
		return newError(KindValidation, nil, "slot index %d out of range [0, %d)", index, b.slots.len())
	}
	if b.payload == nil {
		return newError(KindPayloadBuild, nil, "batch %s has no payload", b.id)
	}
	if err := b.ctx.Err(); err != nil {
		return newError(KindValidation, err, "batch %s was discarded", b.id)
	}
	attempt, ok := b.slots.begin(index)
	if !ok {
		return newError(KindValidation, nil, "slot %d could not be restarted", index)
	}
	d.logger.Info().Str("batch_id", b.id).Int("slot", index).Int("attempt", attempt).Msg("imagegen: slot regenerating")
	go d.launch(b, index, attempt)
	return nil
}

// launch runs one attempt for one slot under the batch's concurrency limit.
// An attempt that has already been superseded is never started, and it never
// cancels a newer attempt's call.
func (d *Dispatcher) launch(b *batch, index, attempt int) {
	callCtx, cancel := context.WithCancel(b.ctx)
	handle := &attemptHandle{attempt: attempt, cancel: cancel}
	for {
		prev := b.inflight[index].Load()
		if prev != nil && prev.attempt > attempt {
			cancel()
			return
		}
		if b.inflight[index].CompareAndSwap(prev, handle) {
			if prev != nil {
				prev.cancel()
			}
			break
		}
	}
	// A newer attempt may have run to completion and cleared its handle
	// before this one was installed.
	if b.slots.attemptOf(index) != attempt {
		b.inflight[index].CompareAndSwap(handle, nil)
		cancel()
		return
	}
	b.group.Go(func() error {
		defer func() {
			b.inflight[index].CompareAndSwap(handle, nil)
			cancel()
		}()
		// The timeout starts once the call holds a concurrency slot.
		info := CallInfo{BatchID: b.id, Slot: index, Attempt: attempt}
		reqCtx, cancelTimeout := context.WithTimeout(WithCallInfo(callCtx, info), d.timeout)
		img, err := d.call(reqCtx, b.payload)
		cancelTimeout()
		logger := d.logger.With().Str("batch_id", b.id).Int("slot", index).Int("attempt", attempt).Logger()
		if b.ctx.Err() != nil {
			return nil
		}
		if !b.slots.complete(index, attempt, img, err) {
			logger.Debug().Msg("imagegen: stale result discarded")
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Msg("imagegen: slot failed")
			return nil
		}
		logger.Info().Str("mime", img.MIME).Int("bytes", len(img.Data)).Msg("imagegen: slot succeeded")
		return nil
	})
}

func (d *Dispatcher) call(ctx context.Context, payload *Payload) (Image, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Image{}, newError(KindNetwork, err, "waiting for rate limiter")
		}
	}
	img, err := d.gen.Generate(ctx, payload)
	if err == nil {
		return img, nil
	}
	if KindOf(err) == "" {
		if errors.Is(err, context.DeadlineExceeded) {
			return Image{}, newError(KindNetwork, err, "request timed out")
		}
		return Image{}, newError(KindNetwork, err, "generation call failed")
	}
	return Image{}, err
}

// Slots returns a snapshot of the current batch, or nil when there is none.
func (d *Dispatcher) Slots() []Slot {
	b := d.current.Load()
	if b == nil {
		return nil
	}
	return b.slots.snapshot()
}

// Current describes the current batch.
func (d *Dispatcher) Current() (BatchInfo, bool) {
	b := d.current.Load()
	if b == nil {
		return BatchInfo{}, false
	}
	return BatchInfo{
		ID:         b.id,
		Parameters: b.params,
		Filename:   b.filename,
		CreatedAt:  b.createdAt,
		Slots:      b.slots.snapshot(),
	}, true
}

// Wait blocks until every slot of the current batch is terminal and returns
// the settled snapshot. If the batch is replaced while waiting, Wait follows
// the new batch.
func (d *Dispatcher) Wait(ctx context.Context) ([]Slot, error) {
	for {
		b := d.current.Load()
		if b == nil {
			return nil, nil
		}
		changed := b.slots.note.wait()
		if b.slots.settled() {
			return b.slots.snapshot(), nil
		}
		select {
		case <-changed:
		case <-b.ctx.Done():
			// Replaced or reset; re-check which batch is current.
			if d.current.Load() == b {
				return b.slots.snapshot(), b.ctx.Err()
			}
		case <-ctx.Done():
			return b.slots.snapshot(), ctx.Err()
		}
	}
}

// Subscribe streams snapshots of the current batch until ctx ends. Slow
// readers only ever see the latest snapshot.
func (d *Dispatcher) Subscribe(ctx context.Context) <-chan []Slot {
	out := make(chan []Slot, 1)
	go func() {
		defer close(out)
		for {
			b := d.current.Load()
			if b == nil {
				return
			}
			changed := b.slots.note.wait()
			snap := b.slots.snapshot()
			select {
			case <-out:
			default:
			}
			out <- snap
			select {
			case <-changed:
			case <-b.ctx.Done():
				if d.current.Load() == b {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Reset discards the current batch and cancels its in-flight calls.
func (d *Dispatcher) Reset() {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	if b := d.current.Swap(nil); b != nil {
		b.cancel()
		b.slots.note.broadcast()
		d.logger.Debug().Str("batch_id", b.id).Msg("imagegen: batch reset")
	}
}
