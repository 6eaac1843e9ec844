package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"memsync/internal/cursors"
	"memsync/internal/daemon"
	"memsync/internal/discovery"
	"memsync/internal/identity"
	"memsync/internal/merge"
	"memsync/internal/oplog"
	"memsync/internal/transport"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against every pinned peer now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		// A one-shot pass shares the database with a running daemon; the
		// per-page transactions and sqlite busy timeout keep them out of
		// each other's way. LAN discovery is skipped here — one-shot runs
		// have no time to collect beacons.
		chain := discovery.NewChain(discovery.LastGood{}, discovery.Static{}, discovery.Stored{})
		d := daemon.New(daemon.Config{
			Interval:    a.cfg.SyncInterval(),
			PageLimit:   a.cfg.PageLimit,
			Workers:     a.cfg.Workers,
			DialTimeout: a.cfg.DialTimeout(),
			EntityTypes: a.cfg.EntityTypes,
		}, a.log, a.st, a.reg, cursors.New(a.st), oplog.New(a.st, a.id.DeviceID),
			merge.New(a.st), chain, transport.NewClient(&http.Client{}, a.id))

		d.RunOnce(cmd.Context())

		peers, err := a.reg.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, p := range peers {
			state := "ok"
			if p.LastError != "" {
				state = "error: " + p.LastError
			}
			fmt.Printf("%s  %s\n", p.DeviceID, state)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device identity and recent sync attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Device:      %s\n", a.id.DeviceID)
		fmt.Printf("Fingerprint: %s\n", a.id.Fingerprint)

		attempts, err := daemon.NewAttemptLog(a.st).Recent(cmd.Context(), 10)
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			fmt.Println("No sync attempts recorded.")
			return nil
		}
		fmt.Println("Recent sync attempts:")
		for _, at := range attempts {
			line := fmt.Sprintf("  %s  %s  %s", at.StartedAt.Local().Format(time.RFC3339), at.PeerDeviceID, at.Status)
			if at.Error != "" {
				line += "  (" + at.Error + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var backfillBatch int

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Materialize pre-existing entities into the op log",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := oplog.New(a.st, a.id.DeviceID).Backfill(cmd.Context(), backfillBatch)
		if err != nil {
			return err
		}
		fmt.Printf("Backfilled %d entities into the op log.\n", n)
		return nil
	},
}

var rotateConfirm bool

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Destroy and regenerate the device keypair (invalidates all pairings)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !rotateConfirm {
			return fmt.Errorf("key rotation invalidates every existing pairing; re-run with --yes to confirm")
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := identity.Rotate(cmd.Context(), a.st)
		if err != nil {
			return err
		}
		fmt.Printf("New device:      %s\n", id.DeviceID)
		fmt.Printf("New fingerprint: %s\n", id.Fingerprint)
		fmt.Println("All peers must re-pair with this device.")
		return nil
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillBatch, "batch", 100, "entities per transaction")
	rotateCmd.Flags().BoolVar(&rotateConfirm, "yes", false, "confirm destructive rotation")
}
