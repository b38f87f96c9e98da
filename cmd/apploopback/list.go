package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/apploopback/internal/procinfo"
)

var listAll bool

// listCmd prints capture candidates as "pid;title", one per line.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List processes with titled windows",
	Run: func(cmd *cobra.Command, args []string) {
		if listAll {
			infos, err := procinfo.Processes()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to list processes: %v\n", err)
				os.Exit(1)
			}
			for _, info := range infos {
				fmt.Printf("%d;%s\n", info.PID, info.Name)
			}
			return
		}

		windows, err := procinfo.Windows()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list windows: %v\n", err)
			os.Exit(1)
		}
		for _, w := range windows {
			fmt.Printf("%d;%s\n", w.PID, w.Title)
		}
	},
}

func init() {
	listCmd.Flags().BoolVar(&listAll, "all", false, "list every process by executable name instead of windows")
	rootCmd.AddCommand(listCmd)
}
