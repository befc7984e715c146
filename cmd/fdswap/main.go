//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dr-natetorious/logfile-hotswap/internal/config"
	"github.com/dr-natetorious/logfile-hotswap/internal/engine"
	"github.com/dr-natetorious/logfile-hotswap/internal/logging"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		pid         int
		fromPath    string
		toPath      string
		fdNum       int
		timeout     time.Duration
		verbose     bool
		quiet       bool
		logFile     string
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "fdswap --pid PID --from OLD --to NEW",
		Short: "Redirect an open file descriptor in a running process without restarting it",
		Long: `fdswap repoints an already-open file descriptor of a running process at a
different file. The target keeps writing through the same descriptor
number and never notices the swap. Typical use: rotating the log file of
a third-party application that cannot be restarted.

Requires the same user as the target process, or root.`,
		Example:       "  fdswap --pid 4242 --from /var/log/app.log --to /var/log/app.new.log",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "fdswap %s\n", version)
				return nil
			}
			if pid == 0 || fromPath == "" || toPath == "" {
				return errors.New("--pid, --from and --to are required")
			}

			// Load optional config file.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults, &timeout, &verbose, &quiet, &logFile)

			// Configure logging.
			logLevel := slog.LevelInfo
			if verbose {
				logLevel = slog.LevelDebug
			} else if quiet {
				logLevel = slog.LevelWarn
			}
			textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			})
			var logHandler slog.Handler = textHandler
			if logFile != "" {
				lf, lfErr := os.Create(logFile)
				if lfErr != nil {
					return fmt.Errorf("open log file: %w", lfErr)
				}
				defer lf.Close()
				jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})
				logHandler = logging.NewMultiHandler(textHandler, jsonHandler)
			}
			slog.SetDefault(slog.New(logHandler))

			// Cancellation is cooperative: the transaction observes the
			// context between states only.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("starting descriptor hot-swap",
				"pid", pid, "from", fromPath, "to", toPath)

			tx := engine.New(engine.Request{
				PID:           pid,
				FromPath:      fromPath,
				ToPath:        toPath,
				FD:            fdNum,
				AttachTimeout: timeout,
			})
			result := tx.Run(ctx)

			for _, w := range result.Warnings {
				slog.Warn(w)
			}

			if result.Err != nil {
				report(result)
				return &exitError{code: 1}
			}

			slog.Info("swap committed",
				"pid", pid, "fd", result.Original.FD, "path", toPath)
			if !quiet {
				fmt.Fprintf(os.Stdout,
					"descriptor %d of process %d now writes to %s; %s can be removed or compressed\n",
					result.Original.FD, pid, toPath, fromPath)
			}
			return nil
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	rootCmd.Flags().IntVarP(&pid, "pid", "p", 0, "process ID of the target process")
	rootCmd.Flags().StringVarP(&fromPath, "from", "f", "", "current file path of the descriptor")
	rootCmd.Flags().StringVarP(&toPath, "to", "t", "", "new file path to redirect to")
	rootCmd.Flags().
		IntVar(&fdNum, "fd", -1, "descriptor number, when several descriptors share --from (default: lowest match)")
	rootCmd.Flags().
		DurationVar(&timeout, "timeout", 0, "attach timeout (default 5s)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress detailed output")
	rootCmd.Flags().StringVar(&logFile, "log", "", "write structured JSON log to FILE")

	rootCmd.AddCommand(newDocsCmd())

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// report states the failure and how far the transaction got, so an
// operator can judge whether the target was mutated. Verification
// failure is called out separately: the swap call succeeded but the
// post-state did not read back, so the on-disk effect is ambiguous.
func report(result engine.Result) {
	var verr *engine.VerificationError
	if errors.As(result.Err, &verr) {
		slog.Error("verification failed: descriptor state is ambiguous",
			"fd", verr.Original.FD,
			"expected", verr.Expected,
			"pre_swap", verr.Original.String())
		slog.Error("no automatic rollback was attempted; re-run with --from and --to reversed to redirect back")
		return
	}

	var serr *engine.StateError
	if errors.As(result.Err, &serr) {
		slog.Error("swap failed",
			"state_reached", serr.State.String(),
			"target_mutated", serr.State.Mutated(),
			"error", serr.Err)
		return
	}
	slog.Error("swap failed", "error", result.Err)
}

// applyConfigDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	timeout *time.Duration,
	verbose *bool,
	quiet *bool,
	logFile *string,
) {
	if !cmd.Flags().Changed("timeout") && defaults.AttachTimeout != nil {
		if d, err := time.ParseDuration(*defaults.AttachTimeout); err == nil {
			*timeout = d
		}
	}
	if !cmd.Flags().Changed("verbose") && defaults.Verbose != nil {
		*verbose = *defaults.Verbose
	}
	if !cmd.Flags().Changed("quiet") && defaults.Quiet != nil {
		*quiet = *defaults.Quiet
	}
	if !cmd.Flags().Changed("log") && defaults.Log != nil {
		*logFile = *defaults.Log
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
