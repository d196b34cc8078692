package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List supported export formats",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		projectID, ok := requireProject(cmd)
		if !ok {
			return
		}

		formats, err := newClient().Formats(projectID)
		if err != nil {
			printError(cmd, err)
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tEXT\tCONVERTIBLE\tTITLE")
		for _, f := range formats {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", f.Name, f.Ext, f.Convertible, f.Title)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(formatsCmd)
}
