package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"memsync/internal/pairing"
)

var (
	pairName    string
	pairInclude []string
	pairExclude []string
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Exchange pairing tokens with another device",
}

var pairGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print this device's pairing token for out-of-band transfer",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		addrs := a.cfg.AdvertiseAddrs
		svc := pairing.New(a.id, a.reg, func() []string { return addrs })
		token, payload, err := svc.Generate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Device:      %s\n", payload.DeviceID)
		fmt.Printf("Fingerprint: %s\n", payload.Fingerprint)
		fmt.Printf("Token:\n%s\n", token)
		return nil
	},
}

var pairAcceptCmd = &cobra.Command{
	Use:   "accept <token>",
	Short: "Pin a peer from its pairing token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		svc := pairing.New(a.id, a.reg, nil)
		peer, err := svc.Accept(cmd.Context(), args[0], pairName, pairInclude, pairExclude)
		if err != nil {
			return err
		}
		fmt.Printf("Pinned peer %s (%s)\n", peer.DeviceID, peer.Fingerprint)
		fmt.Println("Verify the fingerprint matches the other device before syncing.")
		fmt.Println("Run `memsyncd pair generate` here and accept it there to finish mutual pairing.")
		return nil
	},
}

func init() {
	pairAcceptCmd.Flags().StringVar(&pairName, "name", "", "display name for the peer")
	pairAcceptCmd.Flags().StringSliceVar(&pairInclude, "include-project", nil, "only sync these projects with the peer")
	pairAcceptCmd.Flags().StringSliceVar(&pairExclude, "exclude-project", nil, "never sync these projects with the peer")
	pairCmd.AddCommand(pairGenerateCmd, pairAcceptCmd)
}
