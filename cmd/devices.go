package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/httprunner/droidfleet"
	"github.com/httprunner/droidfleet/internal/config"
	"github.com/httprunner/droidfleet/providers/adb"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	var (
		flagDevice    string
		flagTransport string
	)
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Connect configured devices and report which are ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			file, err := loadFleetConfig()
			if err != nil {
				return err
			}
			specs, err := file.EnabledDevices(flagDevice)
			if err != nil {
				return err
			}
			transport, err := adb.New(firstNonEmpty(flagTransport, config.String("DROIDFLEET_ADB_TRANSPORT", "")))
			if err != nil {
				return err
			}
			connectCfg, err := file.ConnectConfig()
			if err != nil {
				return err
			}
			console := droidfleet.NewConsole(os.Stdout)
			manager, err := droidfleet.NewDeviceManager(transport, connectCfg, console)
			if err != nil {
				return err
			}
			report := manager.ConnectAll(ctx, specs)
			if ctx.Err() != nil {
				return errors.Wrap(droidfleet.ErrInterrupted, "during device connection")
			}

			w := console.Writer()
			fmt.Fprintln(w)
			for _, o := range report.Outcomes {
				switch o.State {
				case droidfleet.StateReady:
					fmt.Fprintf(w, "%-16s %-10s %-24s ready (attempts=%d)\n", o.Name, o.Device.Kind, o.Device.Serial, o.Attempts)
				default:
					fmt.Fprintf(w, "%-16s %-10s %-24s %s: %v\n", o.Name, specs[o.Name].Kind, "-", o.State, o.Err)
				}
			}
			if len(report.Failed()) > 0 {
				return errDevicesFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagDevice, "device", "d", "", "Check this device only")
	cmd.Flags().StringVar(&flagTransport, "transport", "", "Device transport: adb or gadb")
	return cmd
}
