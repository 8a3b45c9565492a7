package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/chargepeer/cmd/cpeer-charge-controller/app/options"
	"github.com/autopeer-io/chargepeer/pkg/app"
)

const (
	commandName = "cpeer-charge-controller"
	commandDesc = `The Chargepeer charge controller drives the charging state of field
devices. It turns power schedules into idle/import/export instructions,
waits for each device to acknowledge them and cancels commands that are
superseded by newer ones. Progress is journaled so a restart resumes every
device where it left off.`
)

func NewApp() *app.App {
	opts := options.NewControllerOptions()
	application := app.NewApp(
		commandName,
		"Launch a Chargepeer charge controller",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithConfigWatch(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.ControllerOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		server, err := cfg.NewChargeControllerServer()
		if err != nil {
			return fmt.Errorf("failed to create charge controller: %w", err)
		}

		return server.Run(ctx)
	}
}
