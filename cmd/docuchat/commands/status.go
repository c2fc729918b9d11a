package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docuchat-ai/docuchat/pkg/docchat"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check connectivity to the chat service",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "Connection timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// A single dial is enough to answer "is it up".
	cfg.Reconnect.MaxAttempts = 1

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	client, err := docchat.New(docchat.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}

	// The greeting with the session id arrives asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for client.SessionID() == "" && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	fmt.Printf("connected to %s", cfg.ServerURL)
	if sid := client.SessionID(); sid != "" {
		fmt.Printf(" (session %s)", sid)
	}
	fmt.Println()
	return nil
}
