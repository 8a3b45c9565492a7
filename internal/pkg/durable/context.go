package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/chargepeer/pkg/codec"
	"github.com/autopeer-io/chargepeer/pkg/log"
)

// Context is handed to a handler for one attempt of an invocation. Every
// operation on it is journaled; when the attempt is a retry or a recovery,
// operations already in the journal return their recorded results instead
// of running again.
type Context struct {
	context.Context

	host    *Host
	inv     *Invocation
	kind    HandlerKind
	journal []Entry
	next    int
	log     log.Logger
}

// Future is a pending durable result: an awakeable, a timer or a call.
type Future struct {
	id string
}

// ID is the promise id. For awakeables it is the token handed to resolvers.
func (f *Future) ID() string {
	return f.id
}

func newContext(ctx context.Context, h *Host, inv *Invocation, kind HandlerKind, journal []Entry) *Context {
	logger := h.log.WithValues("invocation", inv.ID, "service", inv.Service, "handler", inv.Handler, "key", inv.Key)
	return &Context{
		Context: log.WithContext(ctx, logger),
		host:    h,
		inv:     inv,
		kind:    kind,
		journal: journal,
		log:     logger,
	}
}

// Key is the key the invocation is addressed to.
func (c *Context) Key() string { return c.inv.Key }

// InvocationID identifies the running invocation.
func (c *Context) InvocationID() string { return c.inv.ID }

// Log returns a logger carrying the invocation's identity.
func (c *Context) Log() log.Logger { return c.log }

// Replaying reports whether the next operation will be served from the journal.
func (c *Context) Replaying() bool { return c.next < len(c.journal) }

func (c *Context) replay(kind EntryKind) (*Entry, bool, error) {
	if c.next >= len(c.journal) {
		return nil, false, nil
	}
	e := &c.journal[c.next]
	if e.Kind != kind {
		return nil, false, Terminal(fmt.Errorf("%w: journal entry %d is %q, handler asked for %q",
			ErrNonDeterministic, c.next, e.Kind, kind))
	}
	c.next++
	return e, true, nil
}

func (c *Context) record(e Entry, m *Mutation) error {
	e.Index = c.next
	if err := c.host.store.AppendEntry(c, c.inv.ID, e, m); err != nil {
		return fmt.Errorf("journal %s: %w", e.Kind, err)
	}
	c.journal = append(c.journal, e)
	c.next++
	return nil
}

// Get loads the state field name of this key into v. It reports false when
// the field has never been set.
func (c *Context) Get(name string, v any) (bool, error) {
	e, ok, err := c.replay(EntryGet)
	if err != nil {
		return false, err
	}
	if !ok {
		raw, found, err := c.host.store.GetState(c, c.inv.Service, c.inv.Key, name)
		if err != nil {
			return false, err
		}
		entry := Entry{Kind: EntryGet, Name: name, Value: raw, Found: found}
		if err := c.record(entry, nil); err != nil {
			return false, err
		}
		e = &entry
	}
	if !e.Found {
		return false, nil
	}
	if err := codec.Unmarshal(e.Value, v); err != nil {
		return false, Terminal(fmt.Errorf("decode state %q: %w", name, err))
	}
	return true, nil
}

// Set writes the state field name of this key.
func (c *Context) Set(name string, v any) error {
	if c.kind == Shared {
		return Terminal(ErrReadOnly)
	}
	if _, ok, err := c.replay(EntrySet); err != nil || ok {
		return err
	}
	raw, err := codec.Marshal(v)
	if err != nil {
		return Terminal(fmt.Errorf("encode state %q: %w", name, err))
	}
	return c.record(Entry{Kind: EntrySet, Name: name}, &Mutation{
		Service: c.inv.Service,
		Key:     c.inv.Key,
		Name:    name,
		Value:   raw,
	})
}

// Clear deletes the state field name of this key.
func (c *Context) Clear(name string) error {
	if c.kind == Shared {
		return Terminal(ErrReadOnly)
	}
	if _, ok, err := c.replay(EntryClear); err != nil || ok {
		return err
	}
	return c.record(Entry{Kind: EntryClear, Name: name}, &Mutation{
		Service: c.inv.Service,
		Key:     c.inv.Key,
		Name:    name,
		Delete:  true,
	})
}

// Now returns the host time, recorded so that replays observe the same instant.
func (c *Context) Now() (time.Time, error) {
	e, ok, err := c.replay(EntryNow)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return time.Unix(0, e.At).UTC(), nil
	}
	now := c.host.clock.Now().UTC()
	if err := c.record(Entry{Kind: EntryNow, At: now.UnixNano()}, nil); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (c *Context) run(name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	e, ok, err := c.replay(EntryRun)
	if err != nil {
		return nil, err
	}
	if ok {
		if e.Failure != "" {
			return nil, Terminal(errors.New(e.Failure))
		}
		return e.Value, nil
	}

	raw, err := fn(c)
	if err != nil {
		if IsTerminal(err) {
			if recErr := c.record(Entry{Kind: EntryRun, Name: name, Failure: err.Error()}, nil); recErr != nil {
				return nil, recErr
			}
			return nil, err
		}
		// Not journaled: the whole invocation is retried and the step runs again.
		return nil, fmt.Errorf("run %q: %w", name, err)
	}
	if err := c.record(Entry{Kind: EntryRun, Name: name, Value: raw}, nil); err != nil {
		return nil, err
	}
	return raw, nil
}

// Run executes fn at most once to durable completion and journals its result.
// A retryable error fails the attempt; a terminal error is journaled.
func Run[T any](c *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.run(name, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := codec.Unmarshal(raw, &out); err != nil {
		return zero, Terminal(fmt.Errorf("decode result of %q: %w", name, err))
	}
	return out, nil
}

// RunVoid is Run for side effects without a result.
func RunVoid(c *Context, name string, fn func(ctx context.Context) error) error {
	_, err := c.run(name, func(ctx context.Context) ([]byte, error) {
		return nil, fn(ctx)
	})
	return err
}

// Awakeable creates a promise that can be completed from outside the
// invocation by its ID.
func (c *Context) Awakeable() (*Future, error) {
	e, ok, err := c.replay(EntryAwakeable)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Future{id: e.Ref}, nil
	}
	id := newAwakeableID()
	if err := c.host.store.CreatePromise(c, id); err != nil {
		return nil, err
	}
	if err := c.record(Entry{Kind: EntryAwakeable, Ref: id}, nil); err != nil {
		return nil, err
	}
	return &Future{id: id}, nil
}

// ResolveAwakeable completes the awakeable id with v. It reports false when
// the awakeable was already completed.
func (c *Context) ResolveAwakeable(id string, v any) (bool, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return false, Terminal(fmt.Errorf("encode awakeable value: %w", err))
	}
	return c.completeAwakeable(id, raw, "")
}

// RejectAwakeable completes the awakeable id with a failure.
func (c *Context) RejectAwakeable(id, reason string) (bool, error) {
	if reason == "" {
		reason = "rejected"
	}
	return c.completeAwakeable(id, nil, reason)
}

func (c *Context) completeAwakeable(id string, raw []byte, failure string) (bool, error) {
	e, ok, err := c.replay(EntryResolve)
	if err != nil {
		return false, err
	}
	if ok {
		return e.Found, nil
	}
	if !isAwakeableID(id) {
		return false, Terminal(fmt.Errorf("awakeable %s: %w", id, ErrNotFound))
	}
	completed, err := c.host.completePromise(c, id, raw, failure)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, Terminal(err)
		}
		return false, err
	}
	if err := c.record(Entry{Kind: EntryResolve, Ref: id, Found: completed}, nil); err != nil {
		return false, err
	}
	return completed, nil
}

// After returns a future completed by a durable timer d from now.
func (c *Context) After(d time.Duration) (*Future, error) {
	e, ok, err := c.replay(EntrySleep)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Future{id: e.Ref}, nil
	}

	id := fmt.Sprintf("tmr_%s_%d", c.inv.ID, c.next)
	wakeAt := c.host.clock.Now().Add(d).UTC()
	if err := c.host.store.CreatePromise(c, id); err != nil {
		return nil, err
	}
	t := Timer{PromiseID: id, InvocationID: c.inv.ID, WakeAt: wakeAt}
	if err := c.host.store.PutTimer(c, t); err != nil {
		return nil, err
	}
	if err := c.record(Entry{Kind: EntrySleep, Ref: id, At: wakeAt.UnixNano()}, nil); err != nil {
		return nil, err
	}
	c.host.armTimer(t)
	return &Future{id: id}, nil
}

// StopTimer disarms the durable timer behind f, a future returned by After,
// and drops its persisted record. Awaiting f afterwards never returns.
func (c *Context) StopTimer(f *Future) error {
	if _, ok, err := c.replay(EntryStopTimer); err != nil || ok {
		return err
	}
	c.host.disarmTimer(f.id)
	if err := c.host.store.DeleteTimer(c, f.id); err != nil {
		return err
	}
	return c.record(Entry{Kind: EntryStopTimer, Ref: f.id}, nil)
}

// Sleep blocks for d of durable time.
func (c *Context) Sleep(d time.Duration) error {
	f, err := c.After(d)
	if err != nil {
		return err
	}
	return c.Await(f, nil)
}

// Call invokes a handler and returns a future for its reply. The callee
// replies when it calls Reply or when it completes, whichever comes first.
func (c *Context) Call(service, key, handler string, input any) (*Future, error) {
	e, ok, err := c.replay(EntryCall)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Future{id: resultID(e.Ref)}, nil
	}
	calleeID, err := c.dispatch(service, key, handler, input)
	if err != nil {
		return nil, err
	}
	if err := c.record(Entry{Kind: EntryCall, Ref: calleeID, Name: service + "/" + handler}, nil); err != nil {
		return nil, err
	}
	return &Future{id: resultID(calleeID)}, nil
}

// Send invokes a handler without waiting for it.
func (c *Context) Send(service, key, handler string, input any) error {
	if _, ok, err := c.replay(EntrySend); err != nil || ok {
		return err
	}
	calleeID, err := c.dispatch(service, key, handler, input)
	if err != nil {
		return err
	}
	return c.record(Entry{Kind: EntrySend, Ref: calleeID, Name: service + "/" + handler}, nil)
}

func (c *Context) dispatch(service, key, handler string, input any) (string, error) {
	raw, err := codec.Marshal(input)
	if err != nil {
		return "", Terminal(fmt.Errorf("encode %s/%s input: %w", service, handler, err))
	}
	// Derived from the journal position so that a retried attempt finds the
	// callee it already created.
	calleeID := fmt.Sprintf("%s.%d", c.inv.ID, c.next)
	_, err = c.host.submit(c, &Invocation{
		ID:       calleeID,
		Service:  service,
		Handler:  handler,
		Key:      key,
		Input:    raw,
		ParentID: c.inv.ID,
	})
	if err != nil {
		if errors.Is(err, ErrUnknownService) || errors.Is(err, ErrUnknownHandler) {
			return "", Terminal(err)
		}
		return "", err
	}
	return calleeID, nil
}

// Reply publishes v as the invocation's result to callers before the handler
// returns. The handler keeps running; its final output is recorded on the
// invocation but callers observe the replied value.
func (c *Context) Reply(v any) error {
	if _, ok, err := c.replay(EntryReply); err != nil || ok {
		return err
	}
	raw, err := codec.Marshal(v)
	if err != nil {
		return Terminal(fmt.Errorf("encode reply: %w", err))
	}
	if _, err := c.host.completePromise(c, resultID(c.inv.ID), raw, ""); err != nil {
		return err
	}
	return c.record(Entry{Kind: EntryReply}, nil)
}

// Await blocks until f completes and decodes its value into out, which may
// be nil. A failed promise yields an *InvocationError wrapped as terminal.
func (c *Context) Await(f *Future, out any) error {
	_, p, err := c.host.awaitAny(c, []string{f.id})
	if err != nil {
		return err
	}
	return decodePromise(p, out)
}

// Select blocks until one of futures completes and returns its index. When
// several are already complete, the one completed first wins. The winner is
// journaled, so a replay selects the same future.
func (c *Context) Select(futures ...*Future) (int, error) {
	e, ok, err := c.replay(EntrySelect)
	if err != nil {
		return -1, err
	}
	if ok {
		return e.Winner, nil
	}
	ids := make([]string, len(futures))
	for i, f := range futures {
		ids[i] = f.id
	}
	winner, _, err := c.host.awaitAny(c, ids)
	if err != nil {
		return -1, err
	}
	if err := c.record(Entry{Kind: EntrySelect, Winner: winner}, nil); err != nil {
		return -1, err
	}
	return winner, nil
}

func decodePromise(p *Promise, out any) error {
	if p.Failure != "" {
		return Terminal(&InvocationError{ID: p.ID, Message: p.Failure})
	}
	if out == nil || len(p.Value) == 0 {
		return nil
	}
	if err := codec.Unmarshal(p.Value, out); err != nil {
		return Terminal(fmt.Errorf("decode %s: %w", p.ID, err))
	}
	return nil
}

const awakeablePrefix = "awk_"

func newAwakeableID() string {
	return awakeablePrefix + uuid.NewString()
}

func isAwakeableID(id string) bool {
	return len(id) > len(awakeablePrefix) && id[:len(awakeablePrefix)] == awakeablePrefix
}
