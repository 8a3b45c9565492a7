package durable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// runHost starts a host on store and returns it with a function that stops
// it and waits for Start to return.
func runHost(t *testing.T, store Store, opts Options, services ...Service) (*Host, func()) {
	t.Helper()
	if opts.RetryInitialInterval == 0 {
		opts.RetryInitialInterval = time.Millisecond
		opts.RetryMaxInterval = 10 * time.Millisecond
	}
	h := NewHost(store, opts)
	for _, svc := range services {
		h.Register(svc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
	t.Cleanup(stop)
	return h, stop
}

func startHost(t *testing.T, services ...Service) *Host {
	h, _ := runHost(t, NewMemoryStore(), Options{}, services...)
	return h
}

func service(name string, handlers map[string]Handler) Service {
	return Service{Name: name, Handlers: handlers}
}

func TestInvokeTypedHandler(t *testing.T) {
	h := startHost(t, service("calc", map[string]Handler{
		"double": Handle(Exclusive, func(ctx *Context, n int) (int, error) {
			return n * 2, nil
		}),
	}))

	var out int
	require.NoError(t, h.Invoke(context.Background(), Request{Service: "calc", Handler: "double", Key: "a", Input: 21}, &out))
	assert.Equal(t, 42, out)
}

func TestSubmitValidatesTarget(t *testing.T) {
	h := startHost(t, service("calc", map[string]Handler{}))

	_, err := h.Submit(context.Background(), Request{Service: "nope", Handler: "x"})
	assert.ErrorIs(t, err, ErrUnknownService)
	_, err = h.Submit(context.Background(), Request{Service: "calc", Handler: "x"})
	assert.ErrorIs(t, err, ErrUnknownHandler)
}

func TestSubmitIdempotencyKey(t *testing.T) {
	var runs atomic.Int32
	h := startHost(t, service("svc", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			runs.Add(1)
			return "ok", nil
		}),
	}))
	ctx := context.Background()

	req := Request{Service: "svc", Handler: "h", Key: "k", IdempotencyKey: "evt-1"}
	id1, err := h.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, h.Output(ctx, id1, nil))

	id2, err := h.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, int32(1), runs.Load())
}

func TestExclusiveHandlersRunInOrder(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	h := startHost(t, service("seq", map[string]Handler{
		"step": Handle(Exclusive, func(ctx *Context, n int) (int, error) {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return n, nil
		}),
	}))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := h.Submit(ctx, Request{Service: "seq", Handler: "step", Key: "device-1", Input: i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.NoError(t, h.Output(ctx, id, nil))
	}

	assert.False(t, overlap.Load())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSharedHandlerRunsBesideBlockedExclusive(t *testing.T) {
	tokens := make(chan string, 1)
	h := startHost(t, service("dev", map[string]Handler{
		"wait": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			if err := ctx.Set("phase", "waiting"); err != nil {
				return "", err
			}
			awk, err := ctx.Awakeable()
			if err != nil {
				return "", err
			}
			tokens <- awk.ID()
			var v string
			if err := ctx.Await(awk, &v); err != nil {
				return "", err
			}
			return v, nil
		}),
		"peek": Handle(Shared, func(ctx *Context, _ struct{}) (string, error) {
			var phase string
			if _, err := ctx.Get("phase", &phase); err != nil {
				return "", err
			}
			return phase, nil
		}),
		"write": Handle(Shared, func(ctx *Context, _ struct{}) (string, error) {
			return "", ctx.Set("phase", "nope")
		}),
	}))
	ctx := context.Background()

	waitID, err := h.Submit(ctx, Request{Service: "dev", Handler: "wait", Key: "d1"})
	require.NoError(t, err)
	token := <-tokens

	var phase string
	require.NoError(t, h.Invoke(ctx, Request{Service: "dev", Handler: "peek", Key: "d1"}, &phase))
	assert.Equal(t, "waiting", phase)

	err = h.Invoke(ctx, Request{Service: "dev", Handler: "write", Key: "d1"}, nil)
	var ie *InvocationError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Message, ErrReadOnly.Error())

	resolved, err := h.Resolve(ctx, token, "done")
	require.NoError(t, err)
	assert.True(t, resolved)

	var out string
	require.NoError(t, h.Output(ctx, waitID, &out))
	assert.Equal(t, "done", out)

	// Single resolution.
	resolved, err = h.Resolve(ctx, token, "again")
	require.NoError(t, err)
	assert.False(t, resolved)

	_, err = h.Resolve(ctx, "not-a-token", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunIsNotRepeatedOnRetry(t *testing.T) {
	var (
		sideEffects atomic.Int32
		attempts    atomic.Int32
	)
	h := startHost(t, service("svc", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (int, error) {
			n, err := Run(ctx, "publish", func(context.Context) (int, error) {
				return int(sideEffects.Add(1)), nil
			})
			if err != nil {
				return 0, err
			}
			if attempts.Add(1) < 3 {
				return 0, errors.New("transient")
			}
			return n, nil
		}),
	}))
	ctx := context.Background()

	id, err := h.Submit(ctx, Request{Service: "svc", Handler: "h", Key: "k"})
	require.NoError(t, err)
	var out int
	require.NoError(t, h.Output(ctx, id, &out))

	assert.Equal(t, 1, out)
	assert.Equal(t, int32(1), sideEffects.Load())
	inv, err := h.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inv.Status)
	assert.Equal(t, 3, inv.Attempts)
}

func TestTerminalErrorAndPanicFailInvocation(t *testing.T) {
	var attempts atomic.Int32
	h := startHost(t, service("svc", map[string]Handler{
		"terminal": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			attempts.Add(1)
			return "", Terminal(errors.New("bad input"))
		}),
		"panic": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			panic("boom")
		}),
	}))
	ctx := context.Background()

	id, err := h.Submit(ctx, Request{Service: "svc", Handler: "terminal", Key: "k"})
	require.NoError(t, err)
	err = h.Output(ctx, id, nil)
	var ie *InvocationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "bad input", ie.Message)
	assert.Equal(t, int32(1), attempts.Load())

	inv, err := h.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inv.Status)
	assert.Equal(t, "bad input", inv.Failure)

	err = h.Invoke(ctx, Request{Service: "svc", Handler: "panic", Key: "k"}, nil)
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Message, "boom")
}

func TestMaxAttempts(t *testing.T) {
	h, _ := runHost(t, NewMemoryStore(), Options{MaxAttempts: 2}, service("svc", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			return "", errors.New("always")
		}),
	}))
	ctx := context.Background()

	id, err := h.Submit(ctx, Request{Service: "svc", Handler: "h", Key: "k"})
	require.NoError(t, err)
	assert.Error(t, h.Output(ctx, id, nil))

	inv, err := h.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.Attempts)
	assert.Equal(t, StatusFailed, inv.Status)
}

func TestSelectPicksFirstCompleted(t *testing.T) {
	tokens := make(chan [2]string, 1)
	h := startHost(t, service("race", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (int, error) {
			a, err := ctx.Awakeable()
			if err != nil {
				return -1, err
			}
			b, err := ctx.Awakeable()
			if err != nil {
				return -1, err
			}
			tokens <- [2]string{a.ID(), b.ID()}
			return ctx.Select(a, b)
		}),
	}))
	ctx := context.Background()

	id, err := h.Submit(ctx, Request{Service: "race", Handler: "h", Key: "k"})
	require.NoError(t, err)
	ids := <-tokens

	// b completes first even though a is listed first.
	_, err = h.Resolve(ctx, ids[1], "b")
	require.NoError(t, err)
	_, err = h.Resolve(ctx, ids[0], "a")
	require.NoError(t, err)

	var winner int
	require.NoError(t, h.Output(ctx, id, &winner))
	assert.Equal(t, 1, winner)

	journal, err := h.Journal(ctx, id)
	require.NoError(t, err)
	last := journal[len(journal)-1]
	assert.Equal(t, EntrySelect, last.Kind)
	assert.Equal(t, 1, last.Winner)
}

func TestDurableTimerWithFakeClock(t *testing.T) {
	clk := testclock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	h, _ := runHost(t, NewMemoryStore(), Options{Clock: clk}, service("timer", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			if err := ctx.Sleep(time.Minute); err != nil {
				return "", err
			}
			now, err := ctx.Now()
			if err != nil {
				return "", err
			}
			return now.Format(time.RFC3339), nil
		}),
	}))
	ctx := context.Background()

	id, err := h.Submit(ctx, Request{Service: "timer", Handler: "h", Key: "k"})
	require.NoError(t, err)
	require.Eventually(t, clk.HasWaiters, waitFor, tick)

	clk.Step(59 * time.Second)
	assert.Never(t, func() bool {
		inv, err := h.Get(ctx, id)
		return err == nil && inv.Status.Terminal()
	}, 100*time.Millisecond, tick)

	clk.Step(time.Second)
	var out string
	require.NoError(t, h.Output(ctx, id, &out))
	assert.Equal(t, "2026-05-01T12:01:00Z", out)
}

func TestStopTimerDropsTimer(t *testing.T) {
	store := NewMemoryStore()
	clk := testclock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	tokens := make(chan string, 1)
	h, _ := runHost(t, store, Options{Clock: clk}, service("svc", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (int, error) {
			timer, err := ctx.After(time.Hour)
			if err != nil {
				return -1, err
			}
			stop, err := ctx.Awakeable()
			if err != nil {
				return -1, err
			}
			tokens <- stop.ID()
			winner, err := ctx.Select(timer, stop)
			if err != nil || winner == 0 {
				return winner, err
			}
			return winner, ctx.StopTimer(timer)
		}),
	}))
	ctx := context.Background()

	id, err := h.Submit(ctx, Request{Service: "svc", Handler: "h", Key: "k"})
	require.NoError(t, err)
	_, err = h.Resolve(ctx, <-tokens, true)
	require.NoError(t, err)

	var winner int
	require.NoError(t, h.Output(ctx, id, &winner))
	assert.Equal(t, 1, winner)
	assert.False(t, clk.HasWaiters())

	timers, err := store.ListTimers(ctx)
	require.NoError(t, err)
	assert.Empty(t, timers)

	journal, err := h.Journal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, EntryStopTimer, journal[len(journal)-1].Kind)
}

func TestRetryBackoffFollowsClock(t *testing.T) {
	clk := testclock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	var calls atomic.Int32
	h, _ := runHost(t, NewMemoryStore(), Options{
		Clock:                clk,
		RetryInitialInterval: time.Minute,
		RetryMaxInterval:     time.Minute,
	}, service("svc", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			if calls.Add(1) == 1 {
				return "", errors.New("transient")
			}
			return "ok", nil
		}),
	}))
	ctx := context.Background()

	id, err := h.Submit(ctx, Request{Service: "svc", Handler: "h", Key: "k"})
	require.NoError(t, err)
	require.Eventually(t, clk.HasWaiters, waitFor, tick)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 100*time.Millisecond, tick)

	clk.Step(2 * time.Minute)
	var out string
	require.NoError(t, h.Output(ctx, id, &out))
	assert.Equal(t, "ok", out)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCallReturnsAtReply(t *testing.T) {
	release := make(chan string, 1)
	h := startHost(t,
		service("callee", map[string]Handler{
			"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
				if err := ctx.Reply("early"); err != nil {
					return "", err
				}
				awk, err := ctx.Awakeable()
				if err != nil {
					return "", err
				}
				release <- awk.ID()
				return "final", ctx.Await(awk, nil)
			}),
		}),
		service("caller", map[string]Handler{
			"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
				f, err := ctx.Call("callee", "k", "h", nil)
				if err != nil {
					return "", err
				}
				var got string
				if err := ctx.Await(f, &got); err != nil {
					return "", err
				}
				return got, nil
			}),
		}),
	)
	ctx := context.Background()

	id, err := h.Submit(ctx, Request{Service: "caller", Handler: "h", Key: "k"})
	require.NoError(t, err)
	var out string
	require.NoError(t, h.Output(ctx, id, &out))
	assert.Equal(t, "early", out)

	callee, err := h.Get(ctx, id+".0")
	require.NoError(t, err)
	assert.Equal(t, id, callee.ParentID)
	assert.False(t, callee.Status.Terminal())

	_, err = h.Resolve(ctx, <-release, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inv, err := h.Get(ctx, callee.ID)
		return err == nil && inv.Status == StatusCompleted
	}, waitFor, tick)

	// Callers keep observing the replied value.
	require.NoError(t, h.Output(ctx, callee.ID, &out))
	assert.Equal(t, "early", out)
}

func TestRecoveryResumesFromJournal(t *testing.T) {
	store := NewMemoryStore()
	var sideEffects atomic.Int32

	waiting := func(tokens chan<- string) Service {
		return service("svc", map[string]Handler{
			"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
				if _, err := Run(ctx, "effect", func(context.Context) (int32, error) {
					return sideEffects.Add(1), nil
				}); err != nil {
					return "", err
				}
				awk, err := ctx.Awakeable()
				if err != nil {
					return "", err
				}
				tokens <- awk.ID()
				var v string
				if err := ctx.Await(awk, &v); err != nil {
					return "", err
				}
				return v, nil
			}),
		})
	}

	tokens1 := make(chan string, 1)
	h1, stop1 := runHost(t, store, Options{}, waiting(tokens1))
	id, err := h1.Submit(context.Background(), Request{Service: "svc", Handler: "h", Key: "k"})
	require.NoError(t, err)
	token := <-tokens1
	stop1()

	inv, err := store.GetInvocation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inv.Status)

	tokens2 := make(chan string, 1)
	h2, _ := runHost(t, store, Options{}, waiting(tokens2))
	assert.Equal(t, token, <-tokens2, "replayed awakeable keeps its id")

	_, err = h2.Resolve(context.Background(), token, "resumed")
	require.NoError(t, err)
	var out string
	require.NoError(t, h2.Output(context.Background(), id, &out))
	assert.Equal(t, "resumed", out)
	assert.Equal(t, int32(1), sideEffects.Load())
}

func TestReplayDetectsNonDeterminism(t *testing.T) {
	store := NewMemoryStore()
	started := make(chan struct{}, 1)

	h1, stop1 := runHost(t, store, Options{}, service("svc", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			awk, err := ctx.Awakeable()
			if err != nil {
				return "", err
			}
			started <- struct{}{}
			return "", ctx.Await(awk, nil)
		}),
	}))
	id, err := h1.Submit(context.Background(), Request{Service: "svc", Handler: "h", Key: "k"})
	require.NoError(t, err)
	<-started
	stop1()

	h2, _ := runHost(t, store, Options{}, service("svc", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			_, err := ctx.Now()
			return "", err
		}),
	}))
	err = h2.Output(context.Background(), id, nil)
	var ie *InvocationError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Message, ErrNonDeterministic.Error())
}

func TestRecoveryRearmsTimers(t *testing.T) {
	store := NewMemoryStore()
	clk := testclock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	sleeper := service("svc", map[string]Handler{
		"h": Handle(Exclusive, func(ctx *Context, _ struct{}) (string, error) {
			return "woke", ctx.Sleep(time.Hour)
		}),
	})

	h1, stop1 := runHost(t, store, Options{Clock: clk}, sleeper)
	id, err := h1.Submit(context.Background(), Request{Service: "svc", Handler: "h", Key: "k"})
	require.NoError(t, err)
	require.Eventually(t, clk.HasWaiters, waitFor, tick)
	stop1()

	// Downtime longer than the remaining duration: the timer fires on start.
	clk.Step(2 * time.Hour)
	h2, _ := runHost(t, store, Options{Clock: clk}, sleeper)

	var out string
	require.NoError(t, h2.Output(context.Background(), id, &out))
	assert.Equal(t, "woke", out)

	require.Eventually(t, func() bool {
		timers, err := store.ListTimers(context.Background())
		return err == nil && len(timers) == 0
	}, waitFor, tick)
}

func TestDeleteOnlyFinishedInvocations(t *testing.T) {
	block := make(chan struct{})
	h := startHost(t, service("svc", map[string]Handler{
		"fast": Handle(Shared, func(ctx *Context, _ struct{}) (string, error) { return "ok", nil }),
		"slow": Handle(Shared, func(ctx *Context, _ struct{}) (string, error) {
			<-block
			return "ok", nil
		}),
	}))
	defer close(block)
	ctx := context.Background()

	fast, err := h.Submit(ctx, Request{Service: "svc", Handler: "fast", Key: "k"})
	require.NoError(t, err)
	require.NoError(t, h.Output(ctx, fast, nil))
	slow, err := h.Submit(ctx, Request{Service: "svc", Handler: "slow", Key: "k"})
	require.NoError(t, err)

	assert.Error(t, h.Delete(ctx, slow))
	require.NoError(t, h.Delete(ctx, fast))
	_, err = h.Get(ctx, fast)
	assert.ErrorIs(t, err, ErrNotFound)
}
