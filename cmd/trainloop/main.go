package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/npratt/trainloop/internal/config"
	"github.com/npratt/trainloop/internal/daemon"
	"github.com/npratt/trainloop/internal/events"
	"github.com/npratt/trainloop/internal/toy"
)

var version = "dev"

// getDaemonClient creates a client for the trainer recorded in the run info.
func getDaemonClient() (*daemon.Client, error) {
	info, err := daemon.LocateRun("")
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(info.SocketPath), nil
}

// printStatus writes a human-readable status report.
func printStatus(w io.Writer, status *daemon.StatusResponse) {
	s := status.Stats
	_, _ = fmt.Fprintf(w, "Status: %s\n", status.Status)
	_, _ = fmt.Fprintf(w, "Run: %s\n", status.RunID)
	_, _ = fmt.Fprintf(w, "Uptime: %s\n", status.Uptime)
	_, _ = fmt.Fprintf(w, "Started: %s\n", status.StartTime)
	_, _ = fmt.Fprintf(w, "Stats:\n")
	_, _ = fmt.Fprintf(w, "  Parleys: %d\n", s.Parleys)
	_, _ = fmt.Fprintf(w, "  Epochs: %s\n", events.FormatFloat(s.TotalEpochs))
	_, _ = fmt.Fprintf(w, "  Examples: %d\n", s.TotalExamples)
	_, _ = fmt.Fprintf(w, "  Elapsed: %s\n", events.FormatSeconds(s.ElapsedSec))
	if s.ETASec != nil {
		_, _ = fmt.Fprintf(w, "  Time left: %s\n", events.FormatSeconds(*s.ETASec))
	}
	if s.Best != nil {
		_, _ = fmt.Fprintf(w, "  Best %s: %s\n", s.Metric, events.FormatFloat(*s.Best))
	}
	_, _ = fmt.Fprintf(w, "  Impatience: %d\n", s.Impatience)
	if s.StopReason != "" {
		_, _ = fmt.Fprintf(w, "  Stop reason: %s\n", s.StopReason)
	}
	if s.DroppedEvents > 0 {
		_, _ = fmt.Fprintf(w, "  Dropped events: %d\n", s.DroppedEvents)
		names := slices.Sorted(maps.Keys(s.DroppedBy))
		for _, name := range names {
			_, _ = fmt.Fprintf(w, "    %s: %d\n", name, s.DroppedBy[name])
		}
	}
}

func main() {
	logLevel := &slog.LevelVar{}
	logger := NewJSONLogger(os.Stderr, logLevel)
	slog.SetDefault(logger)

	viper.SetEnvPrefix("TRAINLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "trainloop",
		Short: "Train a model until it stops improving",
		Long: `trainloop runs a training job: it steps the training world, logs
progress, validates on a schedule, keeps the best model and stops when the
epoch or time budget runs out, the metric reaches its cutoff, or validation
stops improving. It then reports final valid and test metrics.

A running trainer can be inspected and controlled from another shell with
status, pause, resume and stop.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if viper.GetBool(FlagVerbose) {
				logLevel.Set(slog.LevelDebug)
				logger.Debug("verbose logging enabled")
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().Bool(FlagVerbose, false, "Enable verbose (debug) logging")
	rootCmd.PersistentFlags().String(FlagConfig, "", "Config file path (default: .trainloop/config.yaml)")
	rootCmd.PersistentFlags().String(FlagLogFile, "", "Event log path")
	rootCmd.PersistentFlags().String(FlagProgress, "", "Progress file path")
	rootCmd.PersistentFlags().String(FlagSocketPath, "", "Unix socket path for trainer control")

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "trainloop %s\n", version)
		},
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run a training job",
		Long: `Train the configured task until a stop condition fires, then run the
final valid and test evaluations.

The first Ctrl+C stops after the current step and still evaluates; a second
one aborts. Use --daemon to run in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			daemonMode := viper.GetBool(FlagDaemon)

			// Explicit flag wins; otherwise show the dashboard on a terminal.
			tuiEnabled := viper.GetBool(FlagTUI)
			if !cmd.Flags().Changed(FlagTUI) && !daemonMode {
				tuiEnabled = term.IsTerminal(int(os.Stdout.Fd()))
			}
			if tuiEnabled && daemonMode {
				return fmt.Errorf("--tui and --daemon flags are incompatible")
			}

			cfg, err := config.LoadConfig(viper.GetViper())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyTrainFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			projectRoot := daemon.FindProjectRoot("")
			cfg.Paths = daemon.ResolvePaths(cfg.Paths, projectRoot)

			if daemonMode && !daemon.IsDetached() {
				if daemon.NewClient(cfg.Paths.Socket).Ping(cmd.Context()) {
					return fmt.Errorf("%w (socket: %s)", daemon.ErrAlreadyRunning, cfg.Paths.Socket)
				}
				pid, err := daemon.Detach(cmd.Context(), cfg.Paths.Socket)
				switch {
				case errors.Is(err, daemon.ErrNotReady):
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Started trainer (pid %d), control socket not yet available\n", pid)
					return nil
				case err != nil:
					return fmt.Errorf("detach: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Started trainer (pid %d)\n", pid)
				return nil
			}

			run := &trainRun{
				cfg:      cfg,
				logger:   logger,
				logLevel: logLevel,
				out:      cmd.OutOrStdout(),
				useTUI:   tuiEnabled,
				detached: daemon.IsDetached(),
			}
			return run.run(cmd.Context(), projectRoot, toy.NewFactory(cfg.Toy, logger))
		},
	}
	addTrainFlags(trainCmd)
	trainCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show trainer status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getDaemonClient()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			if viper.GetBool(FlagJSON) {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal status: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	statusCmd.Flags().Bool(FlagJSON, false, "Output status as JSON")
	_ = viper.BindPFlag(FlagJSON, statusCmd.Flags().Lookup(FlagJSON))

	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause training after the current step",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getDaemonClient()
			if err != nil {
				return err
			}
			if err := client.Pause(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Pause requested - training will pause after the current step")
			return nil
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused trainer",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getDaemonClient()
			if err != nil {
				return err
			}
			if err := client.Resume(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Resume requested - training will continue")
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop training and run final evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getDaemonClient()
			if err != nil {
				return err
			}
			force := viper.GetBool(FlagForce)
			if err := client.Stop(cmd.Context(), force); err != nil {
				return err
			}
			if force {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Stop requested - control socket closing now")
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Stop requested - trainer will evaluate and exit")
			}
			return nil
		},
	}
	stopCmd.Flags().Bool(FlagForce, false, "Also close the control socket immediately")
	stopCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "View recent training events",
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath := viper.GetString(FlagLogFile)
			if info, err := daemon.LocateRun(""); err == nil && !cmd.Flags().Changed(FlagLogFile) {
				logPath = info.LogPath
			} else {
				if logPath == "" {
					logPath = config.Default().Paths.Log
				}
				logPath = daemon.ResolvePaths(config.PathsConfig{Log: logPath}, daemon.FindProjectRoot("")).Log
			}

			if viper.GetBool(FlagFollow) {
				return tailFollow(cmd.Context(), cmd.OutOrStdout(), logPath)
			}
			return tailLast(cmd.OutOrStdout(), logPath, viper.GetInt(FlagCount))
		},
	}
	eventsCmd.Flags().Bool(FlagFollow, false, "Follow event stream (like tail -f)")
	eventsCmd.Flags().Int(FlagCount, 20, "Number of recent events to show")
	eventsCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(eventsCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
