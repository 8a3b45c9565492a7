// Package durable is a small durable-execution host. Handlers are grouped in
// services and addressed by key; exclusive handlers of a key run one at a
// time in arrival order. Every operation a handler performs through its
// Context is journaled, so an attempt interrupted by an error or a restart
// is replayed up to where it stopped and then continues.
package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/chargepeer/internal/pkg/metrics"
	"github.com/autopeer-io/chargepeer/pkg/codec"
	"github.com/autopeer-io/chargepeer/pkg/log"
)

// Options tunes a Host.
type Options struct {
	// Clock drives durable timers and Context.Now. Defaults to the real clock.
	Clock clock.WithDelayedExecution

	Logger log.Logger

	// Retry backoff for attempts that fail with a retryable error.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// MaxAttempts fails an invocation after this many attempts. Zero retries forever.
	MaxAttempts int
}

// Request addresses a handler from outside the host.
type Request struct {
	Service        string
	Handler        string
	Key            string
	Input          any
	IdempotencyKey string
}

// Host runs registered services on top of a Store.
type Host struct {
	store Store
	clock clock.WithDelayedExecution
	log   log.Logger
	opts  Options

	mu       sync.Mutex
	ctx      context.Context
	started  bool
	services map[string]*Service
	queues   map[string]*mailbox
	active   map[string]struct{}
	watchers map[string]map[*watcher]struct{}
	timers   map[string]clock.Timer

	wg sync.WaitGroup
}

// mailbox is the FIFO of pending exclusive invocations for one key.
type mailbox struct {
	pending []*Invocation
	running bool
}

type watcher struct {
	ch chan struct{}
}

// NewHost creates a host. Services must be registered before Start.
func NewHost(store Store, opts Options) *Host {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithName("durable")
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 100 * time.Millisecond
	}
	if opts.RetryMaxInterval <= 0 {
		opts.RetryMaxInterval = 30 * time.Second
	}

	return &Host{
		store:    store,
		clock:    opts.Clock,
		log:      opts.Logger,
		opts:     opts,
		services: make(map[string]*Service),
		queues:   make(map[string]*mailbox),
		active:   make(map[string]struct{}),
		watchers: make(map[string]map[*watcher]struct{}),
		timers:   make(map[string]clock.Timer),
	}
}

// Register adds a service. Registering the same name twice replaces it.
func (h *Host) Register(svc Service) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := svc
	h.services[svc.Name] = &s
}

// Start re-arms persisted timers, resumes unfinished invocations and then
// serves until ctx is cancelled. Interrupted invocations stay unfinished in
// the store and are resumed by the next Start.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.ctx = ctx
	h.started = true
	h.mu.Unlock()

	if err := h.recover(ctx); err != nil {
		return fmt.Errorf("recover durable state: %w", err)
	}
	h.log.Info("Durable host started")

	<-ctx.Done()

	h.mu.Lock()
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
	metrics.PendingTimers.Set(0)
	h.mu.Unlock()

	h.wg.Wait()
	h.log.Info("Durable host stopped")
	return nil
}

func (h *Host) recover(ctx context.Context) error {
	timers, err := h.store.ListTimers(ctx)
	if err != nil {
		return err
	}
	for _, t := range timers {
		h.armTimer(t)
	}

	unfinished, err := h.store.ListInvocations(ctx, ListOptions{
		Statuses: []Status{StatusPending, StatusRunning},
	})
	if err != nil {
		return err
	}
	for _, inv := range unfinished {
		h.dispatch(inv)
	}
	if len(timers) > 0 || len(unfinished) > 0 {
		h.log.Info("Resumed durable state", "timers", len(timers), "invocations", len(unfinished))
	}
	return nil
}

// Submit stores a new invocation and schedules it. With an idempotency key
// that was seen before, the earlier invocation's ID is returned instead.
func (h *Host) Submit(ctx context.Context, req Request) (string, error) {
	raw, err := codec.Marshal(req.Input)
	if err != nil {
		return "", fmt.Errorf("encode %s/%s input: %w", req.Service, req.Handler, err)
	}
	inv, err := h.submit(ctx, &Invocation{
		ID:             "inv_" + uuid.NewString(),
		Service:        req.Service,
		Handler:        req.Handler,
		Key:            req.Key,
		Input:          raw,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}
	return inv.ID, nil
}

// Invoke submits req and waits for its reply, decoding it into out.
func (h *Host) Invoke(ctx context.Context, req Request, out any) error {
	id, err := h.Submit(ctx, req)
	if err != nil {
		return err
	}
	return h.Output(ctx, id, out)
}

// Output waits for the reply of invocation id and decodes it into out.
func (h *Host) Output(ctx context.Context, id string, out any) error {
	if _, err := h.store.GetInvocation(ctx, id); err != nil {
		return err
	}
	_, p, err := h.awaitAny(ctx, []string{resultID(id)})
	if err != nil {
		return err
	}
	return decodePromise(p, out)
}

// Get returns the invocation with the given ID.
func (h *Host) Get(ctx context.Context, id string) (*Invocation, error) {
	return h.store.GetInvocation(ctx, id)
}

// Journal returns the recorded entries of invocation id.
func (h *Host) Journal(ctx context.Context, id string) ([]Entry, error) {
	return h.store.Journal(ctx, id)
}

// Resolve completes the awakeable token with v from outside any invocation.
func (h *Host) Resolve(ctx context.Context, token string, v any) (bool, error) {
	if !isAwakeableID(token) {
		return false, fmt.Errorf("awakeable %s: %w", token, ErrNotFound)
	}
	raw, err := codec.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode awakeable value: %w", err)
	}
	return h.completePromise(ctx, token, raw, "")
}

// Reject fails the awakeable token from outside any invocation.
func (h *Host) Reject(ctx context.Context, token, reason string) (bool, error) {
	if !isAwakeableID(token) {
		return false, fmt.Errorf("awakeable %s: %w", token, ErrNotFound)
	}
	return h.completePromise(ctx, token, nil, reason)
}

func (h *Host) lookup(service, handler string) (Handler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	svc, ok := h.services[service]
	if !ok {
		return Handler{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	hd, ok := svc.Handlers[handler]
	if !ok {
		return Handler{}, fmt.Errorf("%w: %s/%s", ErrUnknownHandler, service, handler)
	}
	return hd, nil
}

func (h *Host) submit(ctx context.Context, inv *Invocation) (*Invocation, error) {
	if _, err := h.lookup(inv.Service, inv.Handler); err != nil {
		return nil, err
	}
	now := h.clock.Now().UTC()
	inv.Status = StatusPending
	inv.CreatedAt = now
	inv.UpdatedAt = now

	stored, created, err := h.store.CreateInvocation(ctx, inv)
	if err != nil {
		return nil, err
	}
	if created {
		h.log.Debug("Invocation submitted", "invocation", stored.ID, "service", stored.Service,
			"handler", stored.Handler, "key", stored.Key)
	}
	if !stored.Status.Terminal() {
		h.dispatch(stored)
	}
	return stored, nil
}

// dispatch schedules inv unless it is already scheduled. Before Start,
// invocations stay in the store and are picked up by recovery.
func (h *Host) dispatch(inv *Invocation) {
	hd, err := h.lookup(inv.Service, inv.Handler)

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || h.ctx.Err() != nil {
		return
	}
	if _, ok := h.active[inv.ID]; ok {
		return
	}
	h.active[inv.ID] = struct{}{}

	if err != nil || hd.Kind == Shared {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.run(inv)
		}()
		return
	}

	qkey := inv.Service + "/" + inv.Key
	mb, ok := h.queues[qkey]
	if !ok {
		mb = &mailbox{}
		h.queues[qkey] = mb
	}
	mb.pending = append(mb.pending, inv)
	if !mb.running {
		mb.running = true
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.drain(qkey)
		}()
	}
}

func (h *Host) drain(qkey string) {
	for {
		h.mu.Lock()
		mb := h.queues[qkey]
		if len(mb.pending) == 0 {
			mb.running = false
			delete(h.queues, qkey)
			h.mu.Unlock()
			return
		}
		inv := mb.pending[0]
		mb.pending = mb.pending[1:]
		h.mu.Unlock()

		h.run(inv)
	}
}

func (h *Host) run(inv *Invocation) {
	defer func() {
		h.mu.Lock()
		delete(h.active, inv.ID)
		h.mu.Unlock()
	}()

	ctx := h.ctx
	if ctx.Err() != nil {
		return
	}
	// Recovery may hand over an invocation that finished after it was listed.
	cur, err := h.store.GetInvocation(ctx, inv.ID)
	if err != nil {
		h.log.Error(err, "Failed to load invocation", "invocation", inv.ID)
		return
	}
	if cur.Status.Terminal() {
		return
	}
	inv = cur

	hd, err := h.lookup(inv.Service, inv.Handler)
	if err != nil {
		h.finish(ctx, inv, nil, Terminal(err))
		return
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(h.opts.RetryInitialInterval),
		backoff.WithMaxInterval(h.opts.RetryMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		inv.Status = StatusRunning
		inv.Attempts++
		inv.UpdatedAt = h.clock.Now().UTC()
		if err := h.store.UpdateInvocation(ctx, inv); err != nil {
			h.log.Error(err, "Failed to mark invocation running", "invocation", inv.ID)
		}

		out, err := h.attempt(ctx, inv, hd)
		if err == nil {
			h.finish(ctx, inv, out, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if IsTerminal(err) {
			h.finish(ctx, inv, nil, err)
			return
		}
		if h.opts.MaxAttempts > 0 && inv.Attempts >= h.opts.MaxAttempts {
			h.finish(ctx, inv, nil, Terminal(fmt.Errorf("giving up after %d attempts: %w", inv.Attempts, err)))
			return
		}

		wait := b.NextBackOff()
		h.log.Warn("Invocation attempt failed, retrying", "invocation", inv.ID, "service", inv.Service,
			"handler", inv.Handler, "attempt", inv.Attempts, "backoff", wait, "error", err.Error())

		t := h.clock.NewTimer(wait)
		select {
		case <-t.C():
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (h *Host) attempt(ctx context.Context, inv *Invocation, hd Handler) (out []byte, err error) {
	journal, err := h.store.Journal(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	c := newContext(ctx, h, inv, hd.Kind, journal)

	defer func() {
		if r := recover(); r != nil {
			err = Terminal(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return hd.Fn(c, inv.Input)
}

func (h *Host) finish(ctx context.Context, inv *Invocation, out []byte, err error) {
	status := StatusCompleted
	failure := ""
	if err != nil {
		status = StatusFailed
		failure = err.Error()
	}

	inv.Status = status
	inv.Output = out
	inv.Failure = failure
	inv.UpdatedAt = h.clock.Now().UTC()
	if uerr := h.store.UpdateInvocation(ctx, inv); uerr != nil {
		h.log.Error(uerr, "Failed to record invocation result", "invocation", inv.ID)
	}
	if _, cerr := h.completePromise(ctx, resultID(inv.ID), out, failure); cerr != nil {
		h.log.Error(cerr, "Failed to publish invocation result", "invocation", inv.ID)
	}

	metrics.InvocationsTotal.WithLabelValues(inv.Service, inv.Handler, string(status)).Inc()
	metrics.InvocationDuration.WithLabelValues(inv.Service, inv.Handler).Observe(inv.UpdatedAt.Sub(inv.CreatedAt).Seconds())

	if err != nil {
		h.log.Error(err, "Invocation failed", "invocation", inv.ID, "service", inv.Service,
			"handler", inv.Handler, "key", inv.Key)
		return
	}
	h.log.Debug("Invocation completed", "invocation", inv.ID, "service", inv.Service,
		"handler", inv.Handler, "key", inv.Key)
}

func (h *Host) completePromise(ctx context.Context, id string, value []byte, failure string) (bool, error) {
	completed, err := h.store.CompletePromise(ctx, id, value, failure)
	if err != nil {
		return false, err
	}
	if completed {
		h.notify(id)
	}
	return completed, nil
}

func (h *Host) watch(ids []string) *watcher {
	w := &watcher{ch: make(chan struct{}, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		set, ok := h.watchers[id]
		if !ok {
			set = make(map[*watcher]struct{})
			h.watchers[id] = set
		}
		set[w] = struct{}{}
	}
	return w
}

func (h *Host) unwatch(ids []string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if set, ok := h.watchers[id]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(h.watchers, id)
			}
		}
	}
}

func (h *Host) notify(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers[id] {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

// awaitAny blocks until one of the promises ids is complete and returns the
// index of the one with the lowest completion sequence.
func (h *Host) awaitAny(ctx context.Context, ids []string) (int, *Promise, error) {
	w := h.watch(ids)
	defer h.unwatch(ids, w)

	for {
		winner := -1
		var best *Promise
		for i, id := range ids {
			p, err := h.store.GetPromise(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return -1, nil, Terminal(err)
				}
				return -1, nil, err
			}
			if p.Completed && (best == nil || p.Seq < best.Seq) {
				winner, best = i, p
			}
		}
		if best != nil {
			return winner, best, nil
		}

		select {
		case <-w.ch:
		case <-ctx.Done():
			return -1, nil, ctx.Err()
		}
	}
}

func (h *Host) armTimer(t Timer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.timers[t.PromiseID]; ok {
		return
	}
	if !h.started || h.ctx.Err() != nil {
		return
	}

	d := t.WakeAt.Sub(h.clock.Now())
	if d <= 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.fireTimer(t.PromiseID)
		}()
		return
	}
	// AfterFunc callbacks of fake clocks run under the clock's lock, so the
	// actual work happens on a fresh goroutine.
	h.timers[t.PromiseID] = h.clock.AfterFunc(d, func() {
		go h.fireTimer(t.PromiseID)
	})
	metrics.PendingTimers.Set(float64(len(h.timers)))
}

func (h *Host) disarmTimer(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.timers[id]; ok {
		t.Stop()
		delete(h.timers, id)
		metrics.PendingTimers.Set(float64(len(h.timers)))
	}
}

func (h *Host) fireTimer(id string) {
	h.mu.Lock()
	delete(h.timers, id)
	metrics.PendingTimers.Set(float64(len(h.timers)))
	ctx := h.ctx
	h.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if _, err := h.completePromise(ctx, id, nil, ""); err != nil && !errors.Is(err, ErrNotFound) {
		h.log.Error(err, "Failed to complete timer", "timer", id)
		return
	}
	if err := h.store.DeleteTimer(ctx, id); err != nil {
		h.log.Error(err, "Failed to delete fired timer", "timer", id)
	}
}

// List returns invocations matching opts in creation order.
func (h *Host) List(ctx context.Context, opts ListOptions) ([]*Invocation, error) {
	return h.store.ListInvocations(ctx, opts)
}

// Delete removes a finished invocation with its journal and result.
func (h *Host) Delete(ctx context.Context, id string) error {
	inv, err := h.store.GetInvocation(ctx, id)
	if err != nil {
		return err
	}
	if !inv.Status.Terminal() {
		return fmt.Errorf("invocation %s is %s", id, inv.Status)
	}
	return h.store.DeleteInvocation(ctx, id)
}
