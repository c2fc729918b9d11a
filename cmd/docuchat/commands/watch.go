package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docuchat-ai/docuchat/internal/metrics"
	"github.com/docuchat-ai/docuchat/pkg/docchat"
	"github.com/docuchat-ai/docuchat/pkg/types"
)

var (
	watchDocumentID  int64
	watchDebugEvents bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow document-processing and tree-generation progress",
	Long: `Stay connected and print background job progress as it arrives.

Examples:
  docuchat watch                 # all jobs
  docuchat watch --document 12   # one document's jobs`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Int64VarP(&watchDocumentID, "document", "d", 0, "Only show jobs for this document id")
	watchCmd.Flags().BoolVar(&watchDebugEvents, "debug-events", false, "Print every decoded event to stderr")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := docchat.Options{
		Config: cfg,
		OnJobUpdate: func(j types.Job) {
			if watchDocumentID != 0 && j.Key.DocID != watchDocumentID {
				return
			}
			line := fmt.Sprintf("%s/%d %s", j.Key.Kind, j.Key.DocID, j.Status)
			if j.Percent != nil {
				line += fmt.Sprintf(" %3.0f%%", *j.Percent)
			}
			if j.Message != "" {
				line += " " + j.Message
			}
			if j.Status == types.JobCompleted && j.Result != nil {
				line += fmt.Sprintf(" (%d nodes, %d pages)", j.Result.NumNodes, j.Result.NumPages)
			}
			fmt.Println(line)
		},
		OnStatus: func(status, message string) {
			if message != "" {
				fmt.Fprintf(os.Stderr, "[connection %s: %s]\n", status, message)
				return
			}
			fmt.Fprintf(os.Stderr, "[connection %s]\n", status)
		},
	}
	if cfg.Metrics.Enabled {
		m := metrics.New()
		opts.Metrics = m
		go m.Serve(ctx, cfg.Metrics.Addr)
	}

	client, err := docchat.New(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if watchDebugEvents {
		msgs, err := client.Bus().Firehose(ctx)
		if err != nil {
			return err
		}
		go func() {
			for msg := range msgs {
				fmt.Fprintf(os.Stderr, "[event %s] %s\n", msg.Metadata.Get("event"), msg.Payload)
				msg.Ack()
			}
		}()
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
