// Package commands provides the CLI commands for DocuChat.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/docuchat-ai/docuchat/internal/config"
	"github.com/docuchat-ai/docuchat/internal/logging"
	"github.com/docuchat-ai/docuchat/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	serverURL  string
	logLevel   string
	prettyLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "docuchat",
	Short: "DocuChat - streaming client for the document Q&A service",
	Long: `DocuChat connects to a document question-answering backend over a
persistent websocket channel and assembles its streamed events into
complete answers and job progress reports.

Run 'docuchat ask' to submit a question, or 'docuchat watch' to follow
document-processing jobs.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Websocket URL of the chat service")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty-logs", false, "Human-readable console logs")

	rootCmd.SetVersionTemplate(fmt.Sprintf("docuchat %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads layered configuration and applies global flag overrides.
func loadConfig() (*types.Config, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if prettyLogs {
		cfg.PrettyLogs = &prettyLogs
	}

	pretty := cfg.PrettyLogs != nil && *cfg.PrettyLogs
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: pretty,
	})
	return cfg, nil
}
