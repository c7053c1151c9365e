package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/api"
)

var cmdToken = &cobra.Command{
	Use:   "token",
	Short: "Print a random token for the snapshot API auth_token setting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := api.GenerateToken()
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	cmdMain.AddCommand(cmdToken)
}
