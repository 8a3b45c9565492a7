package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

func (c *cli) newSubmitCommand() *cobra.Command {
	var (
		deviceType, typ, start, end, key string
	)
	cmd := &cobra.Command{
		Use:   "submit DEVICE",
		Short: "Submit a control command for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdv := v1.ControlCommand{
				Type:       v1.ControlType(strings.ToUpper(typ)),
				DeviceID:   args[0],
				DeviceType: deviceType,
				Timestamp:  time.Now().UTC(),
			}
			var err error
			if cmdv.StartTime, err = parseTime(start, cmdv.Timestamp); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if end != "" {
				t, err := parseTime(end, time.Time{})
				if err != nil {
					return fmt.Errorf("--end: %w", err)
				}
				cmdv.EndTime = &t
			}

			ctx, cancel := c.context(cmd)
			defer cancel()
			id, err := c.client().SubmitCommand(ctx, cmdv, key)
			if err != nil {
				return err
			}
			return c.printSubmitted(id)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&typ, "type", "t", string(v1.ControlIdle), "Command type: IDLE, IMPORT or EXPORT.")
	fs.StringVar(&deviceType, "device-type", "", "Device type recorded with the command.")
	fs.StringVar(&start, "start", "", "Start time (RFC3339 or a duration from now, e.g. 5m). Defaults to now.")
	fs.StringVar(&end, "end", "", "End time (RFC3339 or a duration from now). Required for IMPORT.")
	fs.StringVar(&key, "idempotency-key", "", "Deduplicates repeated submissions.")
	return cmd
}

func (c *cli) newPowerCommand() *cobra.Command {
	var (
		deviceType, start, end, key string
		power                       int
	)
	cmd := &cobra.Command{
		Use:   "power DEVICE",
		Short: "Submit a power event (0 idle, 1 import, -1 export)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			event := v1.PowerEvent{DeviceID: args[0], DeviceType: deviceType, Power: power, Timestamp: now}
			var err error
			if event.Start, err = parseTime(start, now); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if event.End, err = parseTime(end, time.Time{}); err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			ctx, cancel := c.context(cmd)
			defer cancel()
			id, err := c.client().SubmitPowerEvent(ctx, event, key)
			if err != nil {
				return err
			}
			return c.printSubmitted(id)
		},
	}
	fs := cmd.Flags()
	fs.IntVarP(&power, "power", "p", 0, "Requested power: 0, 1 or -1.")
	fs.StringVar(&deviceType, "device-type", "", "Device type recorded with the command.")
	fs.StringVar(&start, "start", "", "Start time (RFC3339 or a duration from now). Defaults to now.")
	fs.StringVar(&end, "end", "", "End time (RFC3339 or a duration from now).")
	fs.StringVar(&key, "idempotency-key", "", "Deduplicates repeated submissions.")
	return cmd
}

func (c *cli) newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate DEVICE KIND",
		Short: "Relay a device acknowledgment (start, stop, failed or the full kind)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := v1.ValidationEvent{DeviceID: args[0], Kind: parseKind(args[1]), Timestamp: time.Now().UTC()}

			ctx, cancel := c.context(cmd)
			defer cancel()
			res, err := c.client().Validate(ctx, args[0], event)
			if err != nil {
				return err
			}
			return c.printResolved(res)
		},
	}
}

func (c *cli) newResolveCommand() *cobra.Command {
	var kind, reject string
	cmd := &cobra.Command{
		Use:   "resolve TOKEN",
		Short: "Complete an awakeable token with an acknowledgment or a rejection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req v1.ResolveRequest
			switch {
			case reject != "" && kind != "":
				return fmt.Errorf("--kind and --reject are mutually exclusive")
			case reject != "":
				req.Reject = reject
			case kind != "":
				req.Event = &v1.ValidationEvent{Kind: parseKind(kind), Timestamp: time.Now().UTC()}
			default:
				return fmt.Errorf("one of --kind or --reject is required")
			}

			ctx, cancel := c.context(cmd)
			defer cancel()
			res, err := c.client().ResolveToken(ctx, args[0], req)
			if err != nil {
				return err
			}
			return c.printResolved(res)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Acknowledgment kind to resolve the token with.")
	cmd.Flags().StringVar(&reject, "reject", "", "Reject the token with this reason.")
	return cmd
}

func (c *cli) newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel DEVICE",
		Short: "Cancel the device's in-flight command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			res, err := c.client().Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			return c.printResolved(res)
		},
	}
}

func (c *cli) newStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state DEVICE",
		Short: "Show the control state of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			st, err := c.client().DeviceState(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(st, func(t *uitable.Table) {
				t.AddRow("DEVICE", "STATE", "COMMAND", "END", "TOKEN")
				command, end := "-", "-"
				if st.CurrentCommand != nil {
					command = string(st.CurrentCommand.Type)
					if st.CurrentCommand.EndTime != nil {
						end = formatTime(*st.CurrentCommand.EndTime)
					}
				}
				t.AddRow(st.DeviceID, st.ControlState, command, end, orDash(st.OutstandingToken))
			})
		},
	}
}

func (c *cli) newRegistryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "registry KEY",
		Short: "List the devices tracked by a coordinator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			items, err := c.client().Registry(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(items, func(t *uitable.Table) {
				t.AddRow("DEVICE", "CANCELLATION TOKEN", "LAST UPDATED")
				for _, it := range items {
					t.AddRow(it.DeviceID, orDash(it.CancellationToken), formatTime(it.LastUpdated))
				}
			})
		},
	}
}

func (c *cli) newInvocationCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "invocation ID",
		Short: "Show the status of a submitted invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			cl := c.client()
			st, err := cl.Invocation(ctx, args[0])
			deadline := time.Now().Add(wait)
			for err == nil && !terminal(st.Status) && time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(250 * time.Millisecond):
				}
				st, err = cl.Invocation(ctx, args[0])
			}
			if err != nil {
				return err
			}

			return c.print(st, func(t *uitable.Table) {
				t.AddRow("ID:", st.ID)
				t.AddRow("HANDLER:", st.Service+"/"+st.Handler)
				t.AddRow("KEY:", st.Key)
				t.AddRow("STATUS:", st.Status)
				t.AddRow("ATTEMPTS:", st.Attempts)
				if st.Result != nil {
					t.AddRow("OUTCOME:", st.Result.Outcome)
					t.AddRow("TOKEN:", orDash(st.Result.CancellationToken))
				}
				if st.Failure != "" {
					t.AddRow("FAILURE:", st.Failure)
				}
				t.AddRow("CREATED:", formatTime(st.CreatedAt))
				t.AddRow("UPDATED:", formatTime(st.UpdatedAt))
			})
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Poll until the invocation finishes or this much time passes.")
	return cmd
}

func (c *cli) printSubmitted(id string) error {
	return c.print(v1.SubmitResponse{InvocationID: id}, func(t *uitable.Table) {
		t.AddRow("INVOCATION")
		t.AddRow(id)
	})
}

func (c *cli) printResolved(res v1.ResolveResult) error {
	return c.print(res, func(t *uitable.Table) {
		t.AddRow("RESOLVED")
		t.AddRow(res.Resolved)
	})
}

func terminal(status string) bool {
	return status == "completed" || status == "failed"
}

// parseTime accepts RFC3339 or a duration relative to now. An empty value
// yields def.
func parseTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(d).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseKind(s string) v1.ValidationKind {
	switch strings.ToLower(s) {
	case "start":
		return v1.StartChargeOK
	case "stop":
		return v1.StopChargeOK
	case "failed", "fail":
		return v1.ControlFailed
	default:
		return v1.ValidationKind(s)
	}
}
