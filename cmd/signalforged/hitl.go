package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/signalforge/signalforge/internal/bus"
	"github.com/signalforge/signalforge/internal/config"
	"github.com/signalforge/signalforge/internal/hitl"
)

var (
	hitlTimeoutSeconds int
	hitlContextPairs   []string
	hitlOptions        []string
)

var hitlCmd = &cobra.Command{
	Use:   "hitl",
	Short: "Ask, list, and answer human-in-the-loop questions",
}

var hitlAskCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Submit a question and print its ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHITL(func(ctx context.Context, p *hitl.Protocol) error {
			qcontext, err := parseContextPairs(hitlContextPairs)
			if err != nil {
				return err
			}
			id, err := p.AskAsync(ctx, args[0], qcontext, hitlOptions, hitlTimeoutSeconds)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var hitlListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHITL(func(ctx context.Context, p *hitl.Protocol) error {
			questions, err := p.GetPending(ctx, 100)
			if err != nil {
				return err
			}
			if len(questions) == 0 {
				fmt.Println("No pending questions.")
				return nil
			}
			for _, q := range questions {
				fmt.Printf("%s  asked %s, expires %s\n", q.QuestionID, humanize.Time(q.CreatedAt), humanize.Time(q.ExpiresAt))
				fmt.Printf("  %s\n", q.Question)
				if len(q.Options) > 0 {
					fmt.Printf("  options: %s\n", strings.Join(q.Options, ", "))
				}
			}
			return nil
		})
	},
}

var hitlAnswerCmd = &cobra.Command{
	Use:   "answer <question-id> <answer>",
	Short: "Submit an answer to a pending question",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHITL(func(ctx context.Context, p *hitl.Protocol) error {
			return p.SubmitResponse(ctx, args[0], args[1])
		})
	},
}

var hitlApproveCmd = &cobra.Command{
	Use:   "approve <action>",
	Short: "Ask a yes/no question and wait for the verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHITL(func(ctx context.Context, p *hitl.Protocol) error {
			approved, err := p.Approve(ctx, args[0], nil, hitlTimeoutSeconds)
			if err != nil {
				return err
			}
			if approved {
				fmt.Println("approved")
			} else {
				fmt.Println("rejected")
			}
			return nil
		})
	},
}

var hitlStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print question totals and acceptance rate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHITL(func(ctx context.Context, p *hitl.Protocol) error {
			stats, err := p.GetStats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Total questions: %d\n", stats.TotalQuestions)
			for status, count := range stats.ByStatus {
				fmt.Printf("  %s: %d\n", status, count)
			}
			fmt.Printf("Acceptance rate: %.0f%%\n", stats.AcceptanceRate*100)
			return nil
		})
	},
}

func init() {
	hitlAskCmd.Flags().IntVar(&hitlTimeoutSeconds, "timeout", 300, "Question timeout in seconds")
	hitlAskCmd.Flags().StringArrayVar(&hitlContextPairs, "context", nil, "Context key=value pairs (repeatable)")
	hitlAskCmd.Flags().StringSliceVar(&hitlOptions, "option", nil, "Answer options (empty = free-form)")
	hitlApproveCmd.Flags().IntVar(&hitlTimeoutSeconds, "timeout", 300, "Approval timeout in seconds")

	hitlCmd.AddCommand(hitlAskCmd, hitlListCmd, hitlAnswerCmd, hitlApproveCmd, hitlStatsCmd)
}

// withHITL opens the daemon's HITL and bus databases for a one-shot
// command, closing both on exit.
func withHITL(fn func(context.Context, *hitl.Protocol) error) error {
	cfg := loadConfig()

	messageBus, err := bus.Open(cfg.Bus.DBFile, bus.Options{SubscriberBuffer: cfg.Bus.SubscriberBuffer})
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer messageBus.Close()

	p, err := hitl.Open(cfg.HITL.DBFile, messageBus, hitlConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("open hitl: %w", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(hitlTimeoutSeconds+30)*time.Second)
	defer cancel()
	return fn(ctx, p)
}

func hitlConfigFrom(cfg *config.Config) hitl.Config {
	return hitl.Config{
		QueueName:             cfg.HITL.QueueName,
		DefaultTimeoutSeconds: cfg.HITL.DefaultTimeoutSecs,
		MaxQuestionsPerHour:   cfg.HITL.MaxQuestionsPerHour,
	}
}

func parseContextPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid context pair %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
