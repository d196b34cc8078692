package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download [export_id]",
	Short: "Download a snapshot or one of its conversions",
	Long: `Download the canonical JSON file of a snapshot, or a converted file with --type.
Without --output the file is saved in the current directory under the name
announced by the server. Use --output - to write to stdout.

Example:
  exportctl download -p 3 12
  exportctl download -p 3 12 --type CSV -o annotations.csv`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exportID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Printf("Error: invalid export id %q\n", args[0])
			return
		}

		flags := cmd.Flags()
		exportType, _ := flags.GetString("type")
		output, _ := flags.GetString("output")

		projectID, ok := requireProject(cmd)
		if !ok {
			return
		}

		client := newClient()
		download := func(w io.Writer) (string, error) {
			return client.Download(projectID, exportID, strings.ToUpper(exportType), w)
		}
		saveDownload(cmd, output, download)
	},
}

var exportNowCmd = &cobra.Command{
	Use:   "export-now",
	Short: "Export the current tasks of a project without creating a snapshot",
	Long: `Build and download an export of the project's current tasks in a single call.
By default only tasks with annotations are included.

Example:
  exportctl export-now -p 3 --type CSV
  exportctl export-now -p 3 --all-tasks -o -`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		exportType, _ := flags.GetString("type")
		output, _ := flags.GetString("output")
		allTasks, _ := flags.GetBool("all-tasks")

		projectID, ok := requireProject(cmd)
		if !ok {
			return
		}

		client := newClient()
		download := func(w io.Writer) (string, error) {
			return client.ExportNow(projectID, strings.ToUpper(exportType), allTasks, w)
		}
		saveDownload(cmd, output, download)
	},
}

// saveDownload writes a downloaded file to output, stdout for "-", or to the
// server announced name when output is empty.
func saveDownload(cmd *cobra.Command, output string, download func(io.Writer) (string, error)) {
	if output == "-" {
		if _, err := download(cmd.OutOrStdout()); err != nil {
			printError(cmd, err)
		}
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), ".exportctl-*")
	if err != nil {
		cmd.Printf("Error: %v\n", err)
		return
	}
	defer os.Remove(tmp.Name())

	name, err := download(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		printError(cmd, err)
		return
	}

	target := output
	if target == "" {
		target = filepath.Base(name)
		if name == "" || target == "." || target == string(filepath.Separator) {
			cmd.Println("Error: server did not announce a file name, use --output")
			return
		}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		cmd.Printf("Error: %v\n", err)
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		cmd.Printf("Error: %v\n", err)
		return
	}
	cmd.Printf("✓ Saved %s (%s)\n", target, formatSize(info.Size()))
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	flags := downloadCmd.Flags()
	flags.String("type", "", "Converted format to download (default: the snapshot itself)")
	flags.StringP("output", "o", "", "Output file, or - for stdout")
	rootCmd.AddCommand(downloadCmd)

	flags = exportNowCmd.Flags()
	flags.String("type", "", "Export format (default: JSON)")
	flags.StringP("output", "o", "", "Output file, or - for stdout")
	flags.Bool("all-tasks", false, "Include tasks without annotations")
	rootCmd.AddCommand(exportNowCmd)
}
