package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller"
	"github.com/autopeer-io/chargepeer/pkg/app"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

type ControllerOptions struct {
	HttpOptions    *options.HttpOptions    `json:"http" mapstructure:"http"`
	MqttOptions    *options.MqttOptions    `json:"mqtt" mapstructure:"mqtt"`
	KafkaOptions   *options.KafkaOptions   `json:"kafka" mapstructure:"kafka"`
	S3Options      *options.S3Options      `json:"s3" mapstructure:"s3"`
	StoreOptions   *options.StoreOptions   `json:"store" mapstructure:"store"`
	DurableOptions *options.DurableOptions `json:"durable" mapstructure:"durable"`
	Log            *log.Options            `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*ControllerOptions)(nil)
	_ app.LoggerOptions       = (*ControllerOptions)(nil)
)

func NewControllerOptions() *ControllerOptions {
	o := &ControllerOptions{
		HttpOptions:    options.NewHttpOptions(),
		MqttOptions:    options.NewMqttOptions(),
		KafkaOptions:   options.NewKafkaOptions(),
		S3Options:      options.NewS3Options(),
		StoreOptions:   options.NewStoreOptions(),
		DurableOptions: options.NewDurableOptions(),
		Log:            log.NewOptions(),
	}

	return o
}

func (o *ControllerOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.KafkaOptions.AddFlags(fss.FlagSet("kafka"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.StoreOptions.AddFlags(fss.FlagSet("store"))
	o.DurableOptions.AddFlags(fss.FlagSet("durable"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *ControllerOptions) Complete() error {
	if o.Log.Name == "" {
		o.Log.Name = "charge-controller"
	}
	return nil
}

func (o *ControllerOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.KafkaOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.StoreOptions.Validate()...)
	errs = append(errs, o.DurableOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *ControllerOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *ControllerOptions) Config() (*chargecontroller.Config, error) {
	return &chargecontroller.Config{
		HttpOptions:    o.HttpOptions,
		MqttOptions:    o.MqttOptions,
		KafkaOptions:   o.KafkaOptions,
		S3Options:      o.S3Options,
		StoreOptions:   o.StoreOptions,
		DurableOptions: o.DurableOptions,
	}, nil
}
