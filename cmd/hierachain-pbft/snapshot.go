package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/api"
)

var cmdSnapshot = &cobra.Command{
	Use:   "snapshot <address>",
	Short: "Print the committed chain and status of a running node",
	Args:  cobra.ExactArgs(1),
	RunE:  printSnapshot,
}

var flagSnapshot struct {
	Token   string
	Timeout time.Duration
}

func init() {
	cmdMain.AddCommand(cmdSnapshot)

	cmdSnapshot.Flags().StringVar(&flagSnapshot.Token, "token", os.Getenv("HIE_AUTH_TOKEN"), "Authentication token")
	cmdSnapshot.Flags().DurationVar(&flagSnapshot.Timeout, "timeout", 10*time.Second, "Connection timeout")
}

func printSnapshot(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), flagSnapshot.Timeout)
	defer cancel()

	client, err := api.Dial(ctx, args[0], flagSnapshot.Token)
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		return err
	}
	headers, err := client.Snapshot()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "node %d: view %d, height %d, stable checkpoint %d, primary %t\n",
		status.NodeID, status.View, status.Height, status.StableCheckpoint, status.Primary)
	fmt.Fprintf(out, "%s\n\n", status.Summary)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NUM\tBLOCK\tPREVIOUS\tSIGNER\tTXS")
	for _, h := range headers {
		fmt.Fprintf(w, "%d\t%x\t%x\t%x\t%d\n", h.BlockNum, short(h.BlockID), short(h.PreviousID), h.SignerID, h.TxCount)
	}
	return w.Flush()
}

func short(b []byte) []byte {
	if len(b) > 6 {
		return b[:6]
	}
	return b
}
