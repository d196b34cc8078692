package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List export snapshots of a project",
	Long:  `List the snapshots of a project, newest first, with the state of their converted formats.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		projectID, ok := requireProject(cmd)
		if !ok {
			return
		}

		exports, err := newClient().ListExports(projectID)
		if err != nil {
			printError(cmd, err)
			return
		}

		if len(exports) == 0 {
			cmd.Println("No exports found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tTASKS\tCREATED\tCONVERTED")
		for _, e := range exports {
			converted := make([]string, 0, len(e.ConvertedFormats))
			for _, cf := range e.ConvertedFormats {
				converted = append(converted, cf.ExportType+":"+cf.Status)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s ago\t%s\n",
				e.ID, e.Title, e.Status, e.Counters.TaskNumber,
				relativeTime(e.CreatedAt), strings.Join(converted, ","))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
