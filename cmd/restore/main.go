// Command restore is the destination-side half of a live migration. It
// listens for an incoming snapshot, forks a victim that will become the
// restored process, rebuilds that victim's address space in userspace
// (internal/rebuilder, standing in for the kernel character device the
// original design used), restores registers, and releases the victim to
// run.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cs477-epfl/process-live-migration/internal/migconfig"
	"github.com/cs477-epfl/process-live-migration/internal/orchestrator"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevelFlag string
	stepFlag     bool
	logFileFlag  string
)

func main() {
	// Forked victims re-exec this same binary with a sentinel argv[0]
	// (internal/orchestrator.spawnVictim); intercept that before cobra
	// ever parses flags.
	if orchestrator.IsVictimStub(os.Args) {
		orchestrator.RunVictimStub()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "restore <port>",
		Short: "Listen for an incoming checkpoint and restore it",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	}
	root.Flags().BoolVarP(&stepFlag, "step", "s", false, "single-step the restored victim and print its registers after each instruction")
	root.Flags().StringVarP(&logFileFlag, "log-file", "f", "", "write logs to this file instead of stderr")
	root.Flags().StringVar(&logLevelFlag, "log-level", "", "override the configured log level")
	return root
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := migconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyLogLevel(cfg.LogLevel)
	if err := applyLogFile(logFileFlag); err != nil {
		return err
	}

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[0], err)
	}

	stepMode := stepFlag || cfg.StepMode
	opts := orchestrator.Options{StepMode: stepMode, DiagnosticOut: os.Stdout}

	return orchestrator.Listen(fmt.Sprintf("127.0.0.1:%d", port), opts)
}

func applyLogLevel(configured string) {
	level := configured
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if level == "" {
		return
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warn("ignoring invalid log level")
		return
	}
	log.SetLevel(parsed)
}

func applyLogFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", path, err)
	}
	log.SetOutput(f)
	return nil
}
