package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DurableOptions)(nil)

// DurableOptions tunes the durable host and its garbage collection.
type DurableOptions struct {
	RetryInitialInterval time.Duration `json:"retry-initial-interval" mapstructure:"retry-initial-interval"`
	RetryMaxInterval     time.Duration `json:"retry-max-interval" mapstructure:"retry-max-interval"`
	MaxAttempts          int           `json:"max-attempts" mapstructure:"max-attempts"`

	// Retention is how long finished invocations are kept before archiving.
	Retention  time.Duration `json:"retention" mapstructure:"retention"`
	GCInterval time.Duration `json:"gc-interval" mapstructure:"gc-interval"`

	// FleetKey, when set, routes every command through one coordinator key
	// instead of one per device.
	FleetKey string `json:"fleet-key" mapstructure:"fleet-key"`
}

func NewDurableOptions() *DurableOptions {
	return &DurableOptions{
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxInterval:     time.Minute,
		Retention:            24 * time.Hour,
		GCInterval:           10 * time.Minute,
	}
}

func (o *DurableOptions) Validate() []error {
	errors := []error{}

	if o.RetryInitialInterval <= 0 || o.RetryMaxInterval < o.RetryInitialInterval {
		errors = append(errors, fmt.Errorf("retry intervals must be positive and max >= initial, got %s/%s",
			o.RetryInitialInterval, o.RetryMaxInterval))
	}
	if o.MaxAttempts < 0 {
		errors = append(errors, fmt.Errorf("--durable.max-attempts must not be negative"))
	}
	if o.GCInterval <= 0 {
		errors = append(errors, fmt.Errorf("--durable.gc-interval must be positive"))
	}

	return errors
}

func (o *DurableOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.RetryInitialInterval, "durable.retry-initial-interval", o.RetryInitialInterval, "First backoff after a failed attempt.")
	fs.DurationVar(&o.RetryMaxInterval, "durable.retry-max-interval", o.RetryMaxInterval, "Upper bound of the retry backoff.")
	fs.IntVar(&o.MaxAttempts, "durable.max-attempts", o.MaxAttempts, "Attempts before an invocation fails (0 retries forever).")
	fs.DurationVar(&o.Retention, "durable.retention", o.Retention, "Age after which finished invocations are archived and deleted (0 keeps them).")
	fs.DurationVar(&o.GCInterval, "durable.gc-interval", o.GCInterval, "How often finished invocations are collected.")
	fs.StringVar(&o.FleetKey, "durable.fleet-key", o.FleetKey, "Route all commands through this coordinator key instead of one per device.")
}
