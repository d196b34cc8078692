package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"exporthub/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [export_id]",
	Short: "Get status of an export snapshot",
	Long:  `Retrieve detailed status information for a snapshot, including its current state (created, in_progress, completed, failed), counters, and the state of every converted format.`,
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

		export, err := newClient().GetExport(projectID, exportID)
		if err != nil {
			printError(cmd, err)
			return
		}

		printStatus(cmd, *export)
	},
}

func printStatus(cmd *cobra.Command, export api.Export) {
	// Header with status icon
	icon := statusIcon(export.Status)
	cmd.Printf("%s %sExport Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %d\n", colorDim, colorReset, export.ID)
	cmd.Printf("%sProject:%s     %d\n", colorDim, colorReset, export.ProjectID)
	cmd.Printf("%sTitle:%s       %s\n", colorDim, colorReset, export.Title)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(export.Status))
	cmd.Printf("%sTasks:%s       %d\n", colorDim, colorReset, export.Counters.TaskNumber)
	cmd.Printf("%sAnnotations:%s %d\n", colorDim, colorReset, export.Counters.AnnotationNumber)

	if export.MD5 != "" {
		cmd.Printf("%sMD5:%s         %s\n", colorDim, colorReset, export.MD5)
	}

	if export.Traceback != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *export.Traceback, colorReset)
	}

	created := export.CreatedAt
	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&created))
	if export.FinishedAt != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(export.FinishedAt),
			colorCyan, formatDuration(export.FinishedAt.Sub(created)), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    -\n", colorDim, colorReset)
	}

	if len(export.ConvertedFormats) == 0 {
		return
	}
	cmd.Println()
	cmd.Printf("%sConverted formats%s\n", colorBold, colorReset)
	for _, cf := range export.ConvertedFormats {
		cmd.Printf("  %-10s %s\n", cf.ExportType, colorizeStatus(cf.Status))
		if cf.Traceback != nil {
			cmd.Printf("             %s%s%s\n", colorRed, *cf.Traceback, colorReset)
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case api.StatusCompleted:
		return colorGreen + "✓" + colorReset
	case api.StatusFailed:
		return colorRed + "✗" + colorReset
	case api.StatusInProgress:
		return colorYellow + "⏳" + colorReset
	case api.StatusCreated:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case api.StatusCompleted:
		return icon + " " + colorGreen + status + colorReset
	case api.StatusFailed:
		return icon + " " + colorRed + status + colorReset
	case api.StatusInProgress:
		return icon + " " + colorYellow + status + colorReset
	case api.StatusCreated:
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
