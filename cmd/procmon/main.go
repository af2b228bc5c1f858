package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/procmon/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "procmon",
	Short: "procmon - judicial process monitor",
	Long: `procmon watches the status of your clients' civil proceedings through the
Giustizia Civile mobile API, once a day or on demand, and records a
notification whenever a status changes.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
	envFile    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7477", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Optional .env file with PROCMON_* overrides")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setTimeCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
