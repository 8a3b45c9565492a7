package durable

import (
	"time"
)

// Status is the lifecycle phase of an invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the invocation has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Invocation is one execution of a handler for a key.
type Invocation struct {
	ID             string    `cbor:"id" json:"id"`
	Seq            uint64    `cbor:"seq" json:"seq"`
	Service        string    `cbor:"service" json:"service"`
	Handler        string    `cbor:"handler" json:"handler"`
	Key            string    `cbor:"key" json:"key"`
	Input          []byte    `cbor:"input,omitempty" json:"-"`
	Status         Status    `cbor:"status" json:"status"`
	Output         []byte    `cbor:"output,omitempty" json:"-"`
	Failure        string    `cbor:"failure,omitempty" json:"failure,omitempty"`
	Attempts       int       `cbor:"attempts" json:"attempts"`
	IdempotencyKey string    `cbor:"idempotencyKey,omitempty" json:"idempotencyKey,omitempty"`
	ParentID       string    `cbor:"parentId,omitempty" json:"parentId,omitempty"`
	CreatedAt      time.Time `cbor:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time `cbor:"updatedAt" json:"updatedAt"`
}

func (inv *Invocation) clone() *Invocation {
	if inv == nil {
		return nil
	}
	out := *inv
	out.Input = cloneBytes(inv.Input)
	out.Output = cloneBytes(inv.Output)
	return &out
}

// EntryKind identifies the durable operation an Entry records.
type EntryKind string

const (
	EntryGet       EntryKind = "get"
	EntrySet       EntryKind = "set"
	EntryClear     EntryKind = "clear"
	EntryRun       EntryKind = "run"
	EntryNow       EntryKind = "now"
	EntryAwakeable EntryKind = "awakeable"
	EntryResolve   EntryKind = "resolve"
	EntrySleep     EntryKind = "sleep"
	EntryStopTimer EntryKind = "stop_timer"
	EntryCall      EntryKind = "call"
	EntrySend      EntryKind = "send"
	EntryReply     EntryKind = "reply"
	EntrySelect    EntryKind = "select"
)

// Entry is one journaled operation of an invocation.
type Entry struct {
	Index   int       `cbor:"i"`
	Kind    EntryKind `cbor:"k"`
	Name    string    `cbor:"n,omitempty"`
	Ref     string    `cbor:"r,omitempty"`
	Value   []byte    `cbor:"v,omitempty"`
	Failure string    `cbor:"f,omitempty"`
	Found   bool      `cbor:"ok,omitempty"`
	At      int64     `cbor:"t,omitempty"`
	Winner  int       `cbor:"w,omitempty"`
}

// Promise is a single-completion value: an awakeable, a timer or an
// invocation result.
type Promise struct {
	ID          string    `cbor:"id"`
	Completed   bool      `cbor:"completed"`
	Value       []byte    `cbor:"value,omitempty"`
	Failure     string    `cbor:"failure,omitempty"`
	Seq         uint64    `cbor:"seq,omitempty"`
	CreatedAt   time.Time `cbor:"createdAt"`
	CompletedAt time.Time `cbor:"completedAt"`
}

// Timer is a persisted durable timer that completes PromiseID at WakeAt.
type Timer struct {
	PromiseID    string    `cbor:"promiseId"`
	InvocationID string    `cbor:"invocationId"`
	WakeAt       time.Time `cbor:"wakeAt"`
}

// Mutation is a state change applied atomically with a journal entry.
type Mutation struct {
	Service string
	Key     string
	Name    string
	Value   []byte
	Delete  bool
}

// ListOptions filters ListInvocations.
type ListOptions struct {
	Statuses      []Status
	UpdatedBefore time.Time
	Limit         int
}

func (o ListOptions) match(inv *Invocation) bool {
	if len(o.Statuses) > 0 {
		found := false
		for _, s := range o.Statuses {
			if inv.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !o.UpdatedBefore.IsZero() && !inv.UpdatedAt.Before(o.UpdatedBefore) {
		return false
	}
	return true
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func resultID(invocationID string) string {
	return "res_" + invocationID
}
