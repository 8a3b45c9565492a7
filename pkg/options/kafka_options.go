package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*KafkaOptions)(nil)

// KafkaOptions configures the optional Kafka transport. It is disabled when
// no brokers are given.
type KafkaOptions struct {
	Brokers []string `json:"brokers" mapstructure:"brokers"`

	// ScheduleTopic carries PowerEvents in.
	ScheduleTopic string `json:"schedule-topic" mapstructure:"schedule-topic"`
	// AckTopic carries ValidationEvents in.
	AckTopic string `json:"ack-topic" mapstructure:"ack-topic"`
	// InstructionTopic carries Instructions out. Empty keeps instructions on MQTT only.
	InstructionTopic string `json:"instruction-topic" mapstructure:"instruction-topic"`

	GroupID      string        `json:"group-id" mapstructure:"group-id"`
	WriteTimeout time.Duration `json:"write-timeout" mapstructure:"write-timeout"`
}

func NewKafkaOptions() *KafkaOptions {
	return &KafkaOptions{
		ScheduleTopic: "charge.schedule",
		AckTopic:      "charge.ack",
		GroupID:       "charge-controller",
		WriteTimeout:  10 * time.Second,
	}
}

// Enabled reports whether any broker is configured.
func (o *KafkaOptions) Enabled() bool {
	return o != nil && len(o.Brokers) > 0
}

func (o *KafkaOptions) Validate() []error {
	if !o.Enabled() {
		return nil
	}

	errors := []error{}

	for _, b := range o.Brokers {
		if err := ValidateAddress(b); err != nil {
			errors = append(errors, fmt.Errorf("--kafka.brokers: %w", err))
		}
	}
	if o.GroupID == "" {
		errors = append(errors, fmt.Errorf("--kafka.group-id is required"))
	}

	return errors
}

func (o *KafkaOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringSliceVar(&o.Brokers, "kafka.brokers", o.Brokers, "Kafka bootstrap brokers (empty disables Kafka).")
	fs.StringVar(&o.ScheduleTopic, "kafka.schedule-topic", o.ScheduleTopic, "Topic consumed for power events.")
	fs.StringVar(&o.AckTopic, "kafka.ack-topic", o.AckTopic, "Topic consumed for device acknowledgments.")
	fs.StringVar(&o.InstructionTopic, "kafka.instruction-topic", o.InstructionTopic, "Topic instructions are also published to.")
	fs.StringVar(&o.GroupID, "kafka.group-id", o.GroupID, "Consumer group of the controller replicas.")
	fs.DurationVar(&o.WriteTimeout, "kafka.write-timeout", o.WriteTimeout, "Timeout for a single produce request.")
}
