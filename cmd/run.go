package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/httprunner/droidfleet"
	"github.com/httprunner/droidfleet/internal/config"
	"github.com/httprunner/droidfleet/pkg/engine/subprocess"
	"github.com/httprunner/droidfleet/pkg/fleetconfig"
	"github.com/httprunner/droidfleet/pkg/ledger"
	"github.com/httprunner/droidfleet/pkg/llm"
	"github.com/httprunner/droidfleet/pkg/notify"
	"github.com/httprunner/droidfleet/providers/adb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	bannerGoalPreview     = 100
	defaultInterruptGrace = 2 * time.Second
)

func newRunCmd() *cobra.Command {
	var (
		flagDevice    string
		flagTask      string
		flagTransport string
		flagEngineCmd string
		flagLedger    string
		flagPreflight bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect devices and run the task on all of them",
		Long:  "Connects every enabled device (or just --device), then runs the selected task on each connected device with at most `concurrency` running at once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			file, err := loadFleetConfig()
			if err != nil {
				return err
			}
			task, err := file.Task(flagTask)
			if err != nil {
				return err
			}
			specs, err := file.EnabledDevices(flagDevice)
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				return errors.Wrap(fleetconfig.ErrNoDevices, "no enabled devices in configuration")
			}
			llmCfg, err := fleetconfig.LLMFromEnv()
			if err != nil {
				return err
			}
			if flagPreflight {
				if err := llm.Preflight(ctx, llmCfg); err != nil {
					return errors.Wrap(err, "llm preflight")
				}
				log.Info().Str("llm", llmCfg.String()).Msg("llm preflight ok")
			}
			argv := splitCommand(firstNonEmpty(flagEngineCmd, config.String("DROIDFLEET_ENGINE_CMD", "")))
			if len(argv) == 0 {
				return errors.New("--engine-cmd or $DROIDFLEET_ENGINE_CMD is required")
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
			printBanner(console, task, len(specs), file.ConcurrencyBound())

			manager, err := droidfleet.NewDeviceManager(transport, connectCfg, console)
			if err != nil {
				return err
			}
			report := manager.ConnectAll(ctx, specs)
			if ctx.Err() != nil {
				console.Interrupted()
				return errors.Wrap(droidfleet.ErrInterrupted, "during device connection")
			}
			ready := report.Ready()
			if len(ready) == 0 {
				return errors.New("failed to connect to any devices")
			}

			logs, err := droidfleet.NewDeviceLogger(file.LogDir())
			if err != nil {
				return err
			}
			recorders, closeRecorders := buildRecorders(flagLedger)
			defer closeRecorders()

			runner, err := droidfleet.NewMultiDeviceRunner(droidfleet.RunContext{
				Devices:  ready,
				Goal:     task.Goal,
				TaskName: task.Name,
				LLM:      llmCfg,
				Engine:   subprocess.NewFactory(argv),
				Settings: droidfleet.EngineSettings{
					MaxSteps:  task.MaxSteps,
					Reasoning: task.Reasoning,
					Vision:    task.Vision,
					Timeout:   task.Timeout,
				},
				Concurrency:    file.ConcurrencyBound(),
				Logs:           logs,
				Console:        console,
				TrajectoryDir:  file.TrajectoryDir(),
				Recorders:      recorders,
				HostID:         droidfleet.HostID(),
				InterruptGrace: config.Duration("DROIDFLEET_INTERRUPT_GRACE", defaultInterruptGrace),
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("run_id", runner.RunID()).
				Str("task", task.Name).
				Int("devices", len(ready)).
				Str("llm", llmCfg.String()).
				Msg("starting run")

			summary, err := runner.RunAll(ctx)
			if summary != nil {
				summary.Render(console.Writer())
			}
			if err != nil {
				return err
			}
			if !summary.AllSucceeded() {
				return errDevicesFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flagDevice, "device", "d", "", "Run on this device only (ignores its enabled flag)")
	cmd.Flags().StringVarP(&flagTask, "task", "t", "", "Task name (default: active_task)")
	cmd.Flags().StringVar(&flagTransport, "transport", "", "Device transport: adb or gadb (default $DROIDFLEET_ADB_TRANSPORT or adb)")
	cmd.Flags().StringVar(&flagEngineCmd, "engine-cmd", "", "Agent command run per device (default $DROIDFLEET_ENGINE_CMD)")
	cmd.Flags().StringVar(&flagLedger, "ledger", "", "Run ledger SQLite path (default $DROIDFLEET_LEDGER_DB or ~/.droidfleet/runs.sqlite)")
	cmd.Flags().BoolVar(&flagPreflight, "preflight", false, "Check the model endpoint before touching any device")
	return cmd
}

func printBanner(console *droidfleet.Console, task fleetconfig.Task, devices, concurrency int) {
	goal := []rune(task.Goal)
	preview := task.Goal
	if len(goal) > bannerGoalPreview {
		preview = string(goal[:bannerGoalPreview]) + "..."
	}
	w := console.Writer()
	fmt.Fprintf(w, "📋 Task: %s\n", task.Name)
	fmt.Fprintf(w, "   Goal: %s\n", preview)
	fmt.Fprintf(w, "   Max steps: %d | Reasoning: %t | Vision: %t\n", task.MaxSteps, task.Reasoning, task.Vision)
	fmt.Fprintf(w, "   Devices: %d | Concurrency: %d\n", devices, concurrency)
	fmt.Fprintln(w, strings.Repeat("-", 60))
}

// buildRecorders wires the run ledger and the Feishu notifier. Either may be
// absent; failures to open them only cost the record, never the run.
func buildRecorders(ledgerPath string) ([]droidfleet.RunRecorder, func()) {
	var (
		recorders []droidfleet.RunRecorder
		closers   []func()
	)
	if !ledger.Disabled() {
		l, err := ledger.Open(ledgerPath)
		if err != nil {
			log.Warn().Err(err).Msg("run ledger unavailable")
		} else {
			log.Debug().Str("path", l.Path()).Msg("run ledger opened")
			recorders = append(recorders, l)
			closers = append(closers, func() { _ = l.Close() })
		}
	}
	if n := notify.FromEnv(); n != nil {
		recorders = append(recorders, n)
	}
	return recorders, func() {
		for _, c := range closers {
			c()
		}
	}
}
