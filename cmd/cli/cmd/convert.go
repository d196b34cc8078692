package cmd

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"exporthub/pkg/api"
)

var convertCmd = &cobra.Command{
	Use:   "convert [export_id]",
	Short: "Convert a completed snapshot to another format",
	Long: `Schedule the conversion of a completed snapshot. Only one conversion per format
can exist for a snapshot; asking again while it exists is rejected.

Example:
  exportctl convert -p 3 12 --type CSV
  exportctl convert -p 3 12 --type PDF --wait`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exportID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Printf("Error: invalid export id %q\n", args[0])
			return
		}

		flags := cmd.Flags()
		exportType, _ := flags.GetString("type")
		wait, _ := flags.GetBool("wait")
		interval, _ := flags.GetDuration("interval")
		timeout, _ := flags.GetDuration("timeout")

		if exportType == "" {
			cmd.Println("Error: --type is required")
			return
		}
		projectID, ok := requireProject(cmd)
		if !ok {
			return
		}

		client := newClient()
		result, err := client.Convert(projectID, exportID, strings.ToUpper(exportType))
		if err != nil {
			printError(cmd, err)
			return
		}

		cmd.Printf("✓ Conversion to %s scheduled!\nConverted format ID: %d\n", result.ExportType, result.ConvertedFormat)
		if !wait {
			return
		}

		cf, err := waitForConversion(client, projectID, exportID, result.ConvertedFormat, interval, timeout)
		if err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("Status: %s\n", colorizeStatus(cf.Status))
		if cf.Traceback != nil {
			cmd.Printf("Error: %s\n", *cf.Traceback)
		}
	},
}

// waitForConversion polls the export until the converted format reaches a final state.
func waitForConversion(client *ExportClient, projectID, exportID, formatID int64, interval, timeout time.Duration) (*api.ConvertedFormat, error) {
	deadline := time.Now().Add(timeout)
	for {
		export, err := client.GetExport(projectID, exportID)
		if err != nil {
			return nil, err
		}
		for _, cf := range export.ConvertedFormats {
			if cf.ID != formatID {
				continue
			}
			if cf.Status == api.StatusCompleted || cf.Status == api.StatusFailed {
				return &cf, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, errors.New("timed out waiting for conversion")
		}
		time.Sleep(interval)
	}
}

func init() {
	flags := convertCmd.Flags()
	flags.String("type", "", "Target format, e.g. CSV, TSV, JSON_MIN, PDF (required)")
	flags.Bool("wait", false, "Wait until the conversion finishes")
	flags.Duration("interval", time.Second, "Polling interval used with --wait")
	flags.Duration("timeout", 10*time.Minute, "Give up waiting after this long")

	rootCmd.AddCommand(convertCmd)
}
