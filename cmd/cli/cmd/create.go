package cmd

import (
	"github.com/spf13/cobra"

	"exporthub/pkg/api"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new export snapshot",
	Long: `Create a snapshot of a project's tasks and annotations in the canonical JSON format.

Example:
  exportctl create -p 3
  exportctl create -p 3 --title "nightly" --only-finished
  exportctl create -p 3 --task-ids 10,11,12`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		title, _ := flags.GetString("title")
		onlyFinished, _ := flags.GetBool("only-finished")
		taskIDs, _ := flags.GetInt64Slice("task-ids")

		projectID, ok := requireProject(cmd)
		if !ok {
			return
		}

		req := api.CreateExportRequest{
			Title:        title,
			OnlyFinished: onlyFinished,
			TaskIDs:      taskIDs,
		}

		result, err := newClient().CreateExport(projectID, req)
		if err != nil {
			printError(cmd, err)
			return
		}

		cmd.Printf("%s Export created!\nID: %d\nTitle: %s\nStatus: %s\nTasks: %d, annotations: %d\n",
			statusIcon(result.Status), result.ID, result.Title, result.Status,
			result.Counters.TaskNumber, result.Counters.AnnotationNumber)
	},
}

func init() {
	flags := createCmd.Flags()
	flags.StringP("title", "t", "", "Title of the snapshot (optional)")
	flags.Bool("only-finished", false, "Only include tasks that have annotations")
	flags.Int64Slice("task-ids", []int64{}, "Restrict the snapshot to these task ids")

	rootCmd.AddCommand(createCmd)
}
