package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/chargepeer/internal/fieldagent"
	"github.com/autopeer-io/chargepeer/pkg/app"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

type AgentOptions struct {
	MqttOptions  *options.MqttOptions       `json:"mqtt" mapstructure:"mqtt"`
	AgentOptions *options.FieldAgentOptions `json:"agent" mapstructure:"agent"`
	Log          *log.Options               `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*AgentOptions)(nil)
	_ app.LoggerOptions       = (*AgentOptions)(nil)
)

func NewAgentOptions() *AgentOptions {
	o := &AgentOptions{
		MqttOptions:  options.NewMqttOptions(),
		AgentOptions: options.NewFieldAgentOptions(),
		Log:          log.NewOptions(),
	}
	// Keep instructions queued while the simulator restarts.
	o.MqttOptions.CleanStart = false
	o.MqttOptions.SessionExpiry = 3600

	return o
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.AgentOptions.AddFlags(fss.FlagSet("agent"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *AgentOptions) Complete() error {
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.AgentOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AgentOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *AgentOptions) Config() (*fieldagent.Config, error) {
	return &fieldagent.Config{
		MqttOptions:  o.MqttOptions,
		AgentOptions: o.AgentOptions,
	}, nil
}
