package main

import (
	"os"
	"strings"

	"github.com/httprunner/droidfleet/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "droidfleet",
	Short: "Run one LLM-driven goal on many Android devices at once",
	Long: `droidfleet connects the devices listed in devices.yaml, then runs the same
automation goal on each of them behind a concurrency bound, with one log file
per device and a run summary at the end.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(rootLogLevel)))
		if err != nil {
			return errors.Wrapf(err, "invalid --log-level %q", rootLogLevel)
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

var (
	rootConfig   string
	rootLogLevel string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	rootCmd.PersistentFlags().StringVarP(&rootConfig, "config", "c", "", "devices.yaml path (default ./devices.yaml or $DROIDFLEET_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "process log level (debug, info, warn, error)")
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
		newTasksCmd(),
		newHistoryCmd(),
	)
	_ = env.Ensure()
}

func main() {
	err := rootCmd.Execute()
	code := exitCode(err)
	if err != nil && !isSilent(err) {
		log.Error().Err(err).Msg("droidfleet command failed")
	}
	os.Exit(code)
}
