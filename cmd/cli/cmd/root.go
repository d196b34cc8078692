package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "exportctl",
	Short: "exportctl is a command line tool for managing exporthub snapshots",
	Long: `exportctl is the command-line interface for exporthub, the export backend of the
annotation platform.

A snapshot captures a project's tasks and annotations as canonical JSON. Completed
snapshots can be converted to other formats (CSV, TSV, JSON_MIN, PDF) in the
background and downloaded once the conversion has finished.

Common workflows:

  Create a snapshot of the annotated tasks of project 3:
    exportctl create -p 3 --only-finished

  Convert it and wait for the result:
    exportctl convert -p 3 12 --type CSV --wait

  Download the converted file:
    exportctl download -p 3 12 --type CSV

Configuration:
  Set the API endpoint and default project via flags, environment variables or a config file:
    EXPORTHUB_URL        API endpoint (default: http://localhost:8080)
    EXPORTHUB_PROJECT    Default project id`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".exportctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".exportctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "EXPORTHUB_VARNAME"
	viper.SetEnvPrefix("EXPORTHUB")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newClient returns a client for the configured controller.
func newClient() *ExportClient {
	return NewExportClient(viper.GetString("url"))
}

// requireProject returns the configured project, printing a hint when it is missing.
func requireProject(cmd *cobra.Command) (int64, bool) {
	id := viper.GetInt64("project")
	if id <= 0 {
		cmd.Println("Project id not found. Please set it using the --project flag or the EXPORTHUB_PROJECT environment variable")
		return 0, false
	}
	return id, true
}

// printError reports a failed API call.
func printError(cmd *cobra.Command, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("Error: %v\n", err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.exportctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "exporthub controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().Int64P("project", "p", 0, "Project id")
	viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}
