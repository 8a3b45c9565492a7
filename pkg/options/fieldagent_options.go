package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*FieldAgentOptions)(nil)

// FieldAgentOptions configures the simulated field devices.
type FieldAgentOptions struct {
	// AgentID names the simulator connection and its presence topic.
	AgentID string `json:"id" mapstructure:"id"`

	// AckDelay is how long a device takes to acknowledge an instruction.
	AckDelay time.Duration `json:"ack-delay" mapstructure:"ack-delay"`

	// FailureRate is the probability, in [0,1], of reporting a failed control.
	FailureRate float64 `json:"failure-rate" mapstructure:"failure-rate"`

	// Silent suppresses acknowledgments entirely, leaving commands pending.
	Silent bool `json:"silent" mapstructure:"silent"`
}

func NewFieldAgentOptions() *FieldAgentOptions {
	return &FieldAgentOptions{
		AgentID:  "field-agent",
		AckDelay: time.Second,
	}
}

func (o *FieldAgentOptions) Validate() []error {
	errors := []error{}

	if o.AgentID == "" {
		errors = append(errors, fmt.Errorf("--agent.id is required"))
	}
	if o.AckDelay < 0 {
		errors = append(errors, fmt.Errorf("--agent.ack-delay must not be negative"))
	}
	if o.FailureRate < 0 || o.FailureRate > 1 {
		errors = append(errors, fmt.Errorf("--agent.failure-rate must be within [0,1], got %v", o.FailureRate))
	}

	return errors
}

func (o *FieldAgentOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.AgentID, "agent.id", o.AgentID, "Identity of this simulator instance.")
	fs.DurationVar(&o.AckDelay, "agent.ack-delay", o.AckDelay, "Delay before a device acknowledges an instruction.")
	fs.Float64Var(&o.FailureRate, "agent.failure-rate", o.FailureRate, "Probability of acknowledging with a control failure.")
	fs.BoolVar(&o.Silent, "agent.silent", o.Silent, "Never acknowledge instructions.")
}
