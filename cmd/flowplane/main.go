// Package main provides the flowplane binary: the control plane server
// and an operator CLI for validating, compiling, scheduling, and running
// workflows.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	appName    = "flowplane"
	appVersion = "0.1.0"
)

// exitInvalid is the exit code for documents that fail validation.
const exitInvalid = 2

var (
	// Global flags
	serverURL string
	dbPath    string
	logLevel  string
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	cfg := loadConfig()

	rootCmd := &cobra.Command{
		Use:          appName,
		Short:        "Workflow control plane",
		Long:         "Validate, compile, schedule, and execute workflow documents",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost"+cfg.APIAddr, "Operator API base URL")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", cfg.DBPath, "Path to the libSQL database")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level (debug|info|warn|error)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, appVersion)
		},
	}

	rootCmd.AddCommand(
		versionCmd,
		newValidateCmd(),
		newCompileCmd(),
		newScheduleCmd(),
		newRunCmd(),
		newServeCmd(cfg),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v any) error {
	raw, err := jsonMarshalIndent(v)
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
