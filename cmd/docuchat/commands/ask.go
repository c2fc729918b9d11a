package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docuchat-ai/docuchat/internal/metrics"
	"github.com/docuchat-ai/docuchat/pkg/docchat"
	"github.com/docuchat-ai/docuchat/pkg/types"
)

var (
	askDocumentID     int64
	askConversationID int64
	askNoCache        bool
	askNoCitations    bool
	askShowThinking   bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Submit a question about a document and stream the answer",
	Long: `Submit a question and print the answer as it streams.

Examples:
  docuchat ask --document 12 --conversation 3 "What is the warranty period?"
  docuchat ask -d 12 -c 3 --thinking "Summarize section 4"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().Int64VarP(&askDocumentID, "document", "d", 0, "Document id to query")
	askCmd.Flags().Int64VarP(&askConversationID, "conversation", "c", 0, "Conversation id for this turn")
	askCmd.Flags().BoolVar(&askNoCache, "no-cache", false, "Bypass the server-side answer cache")
	askCmd.Flags().BoolVar(&askNoCitations, "no-citations", false, "Skip citation lookup")
	askCmd.Flags().BoolVar(&askShowThinking, "thinking", false, "Print the thinking stream")
	askCmd.MarkFlagRequired("document")
	askCmd.MarkFlagRequired("conversation")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if askNoCache {
		f := false
		cfg.Query.UseCache = &f
	}
	if askNoCitations {
		f := false
		cfg.Query.IncludeCitations = &f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	inAnswer := false

	opts := docchat.Options{
		Config: cfg,
		Query: docchat.Callbacks{
			OnThinkingChunk: func(_ int64, chunk string) {
				if askShowThinking {
					fmt.Fprint(os.Stderr, chunk)
				}
			},
			OnNodes: func(_ int64, nodes []string) {
				fmt.Fprintf(os.Stderr, "\n[nodes: %s]\n", strings.Join(nodes, ", "))
			},
			OnAnswerChunk: func(_ int64, chunk string) {
				inAnswer = true
				fmt.Print(chunk)
			},
			OnAnswer: func(a *types.Answer) {
				if inAnswer {
					fmt.Println()
				}
				fmt.Fprintf(os.Stderr, "[%d tokens, $%.4f", a.TokensUsed, a.Cost)
				if a.Cached {
					fmt.Fprint(os.Stderr, ", cached")
				}
				fmt.Fprintln(os.Stderr, "]")
				for _, cit := range a.Citations {
					fmt.Fprintf(os.Stderr, "  %s %s (pp. %d-%d)\n",
						cit.NodeID, cit.Section, cit.StartPage, cit.EndPage)
				}
				done <- nil
			},
			OnError: func(_ string, _ int64, message string) {
				done <- fmt.Errorf("query failed: %s", message)
			},
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

	if err := client.Connect(ctx); err != nil {
		return err
	}

	question := strings.Join(args, " ")
	if _, err := client.Ask(question, askDocumentID, askConversationID); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
