// Package app implements cpeer-chargectl, the command line client of the
// charge controller API.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/chargepeer/pkg/client"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

type globalOptions struct {
	server  string
	output  string
	timeout time.Duration
}

type cli struct {
	opts globalOptions
	out  io.Writer
}

// NewCommand returns the root command writing results to out.
func NewCommand(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	cmd := &cobra.Command{
		Use:           "cpeer-chargectl",
		Short:         "Control charging devices through the charge controller API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.opts.output != outputTable && c.opts.output != outputJSON {
				return fmt.Errorf("--output must be %s or %s", outputTable, outputJSON)
			}
			return nil
		},
	}
	cmd.SetOut(out)

	fs := cmd.PersistentFlags()
	fs.StringVarP(&c.opts.server, "server", "s", "http://127.0.0.1:8080", "Address of the charge controller HTTP API.")
	fs.StringVarP(&c.opts.output, "output", "o", outputTable, "Output format (table or json).")
	fs.DurationVar(&c.opts.timeout, "timeout", 30*time.Second, "Timeout of a single command.")

	cmd.AddCommand(
		c.newSubmitCommand(),
		c.newPowerCommand(),
		c.newValidateCommand(),
		c.newResolveCommand(),
		c.newCancelCommand(),
		c.newStateCommand(),
		c.newRegistryCommand(),
		c.newInvocationCommand(),
	)
	return cmd
}

func (c *cli) client() *client.Client {
	return client.New(c.opts.server)
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.opts.timeout)
}

// print writes v as JSON or, in table mode, the rows built by rows.
func (c *cli) print(v any, rows func(t *uitable.Table)) error {
	if c.opts.output == outputJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table := uitable.New()
	table.MaxColWidth = 80
	rows(table)
	_, err := fmt.Fprintln(c.out, table)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
