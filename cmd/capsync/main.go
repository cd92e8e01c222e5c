// Command capsync mirrors tagged Todoist items into Notion.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/capsync/internal/config"
)

// version is stamped by the build.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "capsync",
	Short:         "One-way task mirror from Todoist to Notion",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./capsync.yaml)")
	rootCmd.AddCommand(serveCmd, reconcileCmd, stateCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the capsync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("capsync", version)
	},
}

// loadConfig reads and validates configuration for commands that need the
// full stack.
func loadConfig() (*config.Config, error) {
	cfg, _, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "capsync:", err)
		os.Exit(1)
	}
}
