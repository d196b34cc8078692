package cmd

import (
	"strconv"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [export_id]",
	Short: "Delete an export snapshot and its converted files",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exportID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Printf("Error: invalid export id %q\n", args[0])
			return
		}
		projectID, ok := requireProject(cmd)
		if !ok {
			return
		}

		if err := newClient().DeleteExport(projectID, exportID); err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Export %d deleted\n", exportID)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
