// Package archive removes finished invocations from the durable store once
// their retention expires, uploading each one with its journal first when a
// sink is configured.
package archive

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	"github.com/autopeer-io/chargepeer/internal/pkg/metrics"
	"github.com/autopeer-io/chargepeer/pkg/codec"
)

// ContentType of the uploaded records.
const ContentType = "application/cbor"

// Sink receives archived invocations.
type Sink interface {
	// Put stores data under key.
	Put(ctx context.Context, key string, data []byte) error

	// CheckBucket ensures the destination exists (used for initialization checks).
	CheckBucket(ctx context.Context) error
}

// Source is the store the collector cleans.
type Source interface {
	List(ctx context.Context, opts durable.ListOptions) ([]*durable.Invocation, error)
	Journal(ctx context.Context, id string) ([]durable.Entry, error)
	Delete(ctx context.Context, id string) error
}

// Record is the archived form of one invocation.
type Record struct {
	Invocation *durable.Invocation `cbor:"invocation"`
	Journal    []durable.Entry     `cbor:"journal"`
}

// Collector handles the periodic cleanup of finished invocations.
type Collector struct {
	Source Source
	// Sink is optional; without it invocations are only deleted.
	Sink              Sink
	Log               logr.Logger
	Clock             clock.WithTicker
	RetentionDuration time.Duration
	CleanupInterval   time.Duration
	// BatchSize limits the invocations handled per cycle.
	BatchSize int
}

// Start begins the collection loop.
// It blocks until the context is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.RetentionDuration <= 0 {
		c.Log.Info("Invocation retention disabled, collector idle")
		<-ctx.Done()
		return nil
	}

	c.Log.Info("Starting invocation collector",
		"retention", c.RetentionDuration,
		"interval", c.CleanupInterval,
		"archive", c.Sink != nil)

	ticker := c.Clock.NewTicker(c.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			c.Collect(ctx)
		case <-ctx.Done():
			c.Log.Info("Stopping invocation collector")
			return nil
		}
	}
}

// Collect runs one cycle and returns the number of invocations removed.
func (c *Collector) Collect(ctx context.Context) int {
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	c.Log.V(1).Info("Running scheduled cleanup of finished invocations")

	invs, err := c.Source.List(ctx, durable.ListOptions{
		Statuses:      []durable.Status{durable.StatusCompleted, durable.StatusFailed},
		UpdatedBefore: c.Clock.Now().Add(-c.RetentionDuration),
		Limit:         c.BatchSize,
	})
	if err != nil {
		c.Log.Error(err, "Failed to list invocations for collection")
		return 0
	}

	removed := 0
	for _, inv := range invs {
		if c.Sink != nil {
			if err := c.archive(ctx, inv); err != nil {
				// Kept for the next cycle.
				metrics.ArchivedInvocations.WithLabelValues("failed").Inc()
				c.Log.Error(err, "Failed to archive invocation", "invocation", inv.ID)
				continue
			}
		}
		if err := c.Source.Delete(ctx, inv.ID); err != nil {
			c.Log.Error(err, "Failed to delete finished invocation", "invocation", inv.ID)
			continue
		}
		if c.Sink != nil {
			metrics.ArchivedInvocations.WithLabelValues("archived").Inc()
		} else {
			metrics.ArchivedInvocations.WithLabelValues("deleted").Inc()
		}
		removed++
		c.Log.V(2).Info("Removed finished invocation", "invocation", inv.ID, "age", c.Clock.Since(inv.UpdatedAt))
	}

	if removed > 0 {
		c.Log.Info("Completed collection cycle", "removed", removed)
	}
	return removed
}

func (c *Collector) archive(ctx context.Context, inv *durable.Invocation) error {
	journal, err := c.Source.Journal(ctx, inv.ID)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(Record{Invocation: inv, Journal: journal})
	if err != nil {
		return err
	}
	return c.Sink.Put(ctx, inv.ID+".cbor", data)
}
