package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftworks/conduit/internal/store"
)

func usageCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recent turn accounting",
		Run: func(cmd *cobra.Command, args []string) {
			db, _, err := openStore()
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()

			entries, err := store.NewUsageStore(db).Recent(limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			if len(entries) == 0 {
				fmt.Println("no usage recorded")
				return
			}

			var totalTokens, turns, failed int
			for _, e := range entries {
				status := "ok"
				if !e.Success {
					status = "failed"
					failed++
				}
				turns++
				totalTokens += e.TotalTokens
				fmt.Printf("%s  %-24s %-12s %-6s iters=%d tokens=%d tools=%d %dms\n",
					e.Timestamp.Format("01-02 15:04:05"), e.SessionKey, e.Model, status,
					e.Iterations, e.TotalTokens, e.ToolCalls, e.TotalDurationMs)
			}
			fmt.Printf("\n%d turns (%d failed), %d tokens\n", turns, failed, totalTokens)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}
