package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/pkg/metrics"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

var _ core.Publisher = (*KafkaPublisher)(nil)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes instructions to a topic, keyed by device id so that
// the instructions of one device stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	// maxElapsed bounds the retries of one publish.
	maxElapsed time.Duration
}

// NewKafkaPublisher creates a publisher for opts.InstructionTopic.
func NewKafkaPublisher(opts *options.KafkaOptions) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.InstructionTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaPublisher(w, opts.WriteTimeout)
}

func newKafkaPublisher(w messageWriter, timeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: timeout, maxElapsed: 30 * time.Second}
}

func (p *KafkaPublisher) Publish(ctx context.Context, in v1.Instruction) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(in.DeviceID), Value: payload, Time: in.Timestamp}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.maxElapsed
	b.InitialInterval = 50 * time.Millisecond

	err = backoff.Retry(func() error {
		wctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		err := p.writer.WriteMessages(wctx, msg)
		var kerr kafka.Error
		if errors.As(err, &kerr) && !kerr.Temporary() {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.FromContext(ctx).Debug("Kafka write failed, retrying", "device", in.DeviceID, "err", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		metrics.FieldPublishTotal.WithLabelValues("failed", string(in.Type)).Inc()
		return fmt.Errorf("write instruction for %s: %w", in.DeviceID, err)
	}
	metrics.FieldPublishTotal.WithLabelValues("success", string(in.Type)).Inc()
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
