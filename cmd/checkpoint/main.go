// Command checkpoint is the source-side half of a live migration: it
// attaches to a running process, captures its full architectural and
// memory state, streams that snapshot to a waiting restore destination, and
// tears the source process down.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/cs477-epfl/process-live-migration/internal/migconfig"
	"github.com/cs477-epfl/process-live-migration/internal/procmaps"
	"github.com/cs477-epfl/process-live-migration/internal/snapshot"
	"github.com/cs477-epfl/process-live-migration/internal/tracer"
	"github.com/cs477-epfl/process-live-migration/internal/userstate"
	"github.com/cs477-epfl/process-live-migration/internal/wire"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevelFlag string
	killFlag     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "checkpoint <pid> <host:port>",
		Short: "Checkpoint a running process and migrate it to a restore destination",
		Args:  cobra.ExactArgs(2),
		RunE:  runCheckpoint,
	}
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override the configured log level")
	root.Flags().BoolVar(&killFlag, "kill", true, "kill the source process once migration completes")
	return root
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, err := migconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyLogLevel(cfg.LogLevel)

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[0], err)
	}
	addr := args[1]

	transferID := uuid.New()
	log.WithFields(log.Fields{"pid": pid, "dest": addr, "transfer_id": transferID}).Info("starting checkpoint")

	t, err := tracer.Attach(pid)
	if err != nil {
		return fmt.Errorf("attaching to pid %d: %w", pid, err)
	}

	snap, err := capture(t)
	if err != nil {
		t.Detach(false)
		return fmt.Errorf("capturing snapshot: %w", err)
	}

	if err := send(addr, snap); err != nil {
		t.Detach(false)
		return fmt.Errorf("sending snapshot to %s: %w", addr, err)
	}
	log.WithField("regions", len(snap.Regions)).Info("snapshot sent")

	if err := t.Detach(killFlag); err != nil {
		return fmt.Errorf("detaching pid %d: %w", pid, err)
	}
	log.WithField("pid", pid).Info("checkpoint complete")
	return nil
}

// capture assembles a full snapshot: user state first, then the address
// space, matching the order the wire format expects (spec §4.5).
func capture(t *tracer.Tracer) (*snapshot.Snapshot, error) {
	user, err := userstate.ReadUser(t)
	if err != nil {
		return nil, err
	}
	regions, totalBytes, err := procmaps.SnapshotMemory(t.PID())
	if err != nil {
		return nil, err
	}
	log.WithField("content_bytes", totalBytes).Debug("memory content captured")

	snap := &snapshot.Snapshot{User: *user, Regions: regions}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("captured snapshot failed validation: %w", err)
	}
	return snap, nil
}

func send(addr string, snap *snapshot.Snapshot) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return wire.Encode(conn, snap)
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
