package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/relay"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/service"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds power events and acknowledgments from Kafka into the
// service. Messages are committed once handled; malformed ones are logged
// and skipped.
type Consumer struct {
	schedule messageReader
	ack      messageReader
	svc      *service.Service
	log      log.Logger
}

// NewConsumer creates readers for the schedule and ack topics in the
// configured consumer group.
func NewConsumer(opts *options.KafkaOptions, svc *service.Service) *Consumer {
	reader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  opts.Brokers,
			GroupID:  opts.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}
	return newConsumer(reader(opts.ScheduleTopic), reader(opts.AckTopic), svc)
}

func newConsumer(schedule, ack messageReader, svc *service.Service) *Consumer {
	return &Consumer{schedule: schedule, ack: ack, svc: svc, log: log.WithName("kafka")}
}

// Start consumes both topics until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	defer c.schedule.Close()
	defer c.ack.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.consume(ctx, c.schedule, c.handleSchedule) })
	g.Go(func() error { return c.consume(ctx, c.ack, c.handleAck) })

	c.log.Info("Kafka consumer started")
	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context, r messageReader, handle func(context.Context, kafka.Message) error) error {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		err = backoff.Retry(func() error {
			return handle(ctx, m)
		}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error(err, "Dropping message", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (c *Consumer) handleSchedule(ctx context.Context, m kafka.Message) error {
	var event v1.PowerEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return backoff.Permanent(fmt.Errorf("decode power event: %w", err))
	}
	if event.DeviceID == "" {
		event.DeviceID = string(m.Key)
	}
	_, err := c.svc.SubmitPowerEvent(ctx, event, service.EventKey(event.DeviceID, event.Timestamp))
	if errors.Is(err, v1.ErrInvalidPower) || errors.Is(err, v1.ErrInvalidCommand) {
		return backoff.Permanent(err)
	}
	return err
}

func (c *Consumer) handleAck(ctx context.Context, m kafka.Message) error {
	var event v1.ValidationEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return backoff.Permanent(fmt.Errorf("decode validation event: %w", err))
	}
	deviceID := event.DeviceID
	if deviceID == "" {
		deviceID = string(m.Key)
	}
	_, err := c.svc.Validate(ctx, deviceID, event)
	if errors.Is(err, relay.ErrDeviceMismatch) || errors.Is(err, relay.ErrMissingKind) {
		return backoff.Permanent(err)
	}
	return err
}
