package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"memsync/internal/cursors"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Inspect and manage pinned peers",
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pinned peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		peers, err := a.reg.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No pinned peers. Run `memsyncd pair generate` to start pairing.")
			return nil
		}
		for _, p := range peers {
			fmt.Printf("%s  %s  %s\n", p.DeviceID, p.Fingerprint, p.Name)
			if p.LastGoodAddr != "" {
				fmt.Printf("    last good address: %s\n", p.LastGoodAddr)
			}
			if !p.LastSyncAt.IsZero() {
				fmt.Printf("    last sync: %s\n", p.LastSyncAt.Local().Format(time.RFC3339))
			}
			if p.LastError != "" {
				fmt.Printf("    last error: %s\n", p.LastError)
			}
		}
		return nil
	},
}

var peersRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Remove a pinned peer and its cursors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.reg.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed peer %s\n", args[0])
		return nil
	},
}

var peersResetCmd = &cobra.Command{
	Use:   "reset <device-id>",
	Short: "Reset a peer's cursors so the next sync starts from scratch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.reg.Get(cmd.Context(), args[0]); err != nil {
			return err
		}
		if err := cursors.New(a.st).Reset(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cursors reset for peer %s; next sync re-fetches everything.\n", args[0])
		return nil
	},
}

func init() {
	peersCmd.AddCommand(peersListCmd, peersRemoveCmd, peersResetCmd)
}
