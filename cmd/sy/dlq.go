package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/queue"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered events",
	}

	cmd.AddCommand(newDLQListCmd())
	cmd.AddCommand(newDLQRetryCmd())
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var (
		configPath string
		topic      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events",
		Long:  "Lists events that exhausted their retries or failed terminally. Without --topic every topic is listed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(configPath, func(ctx context.Context, dl queue.DeadLetters) error {
				return listDead(ctx, cmd.OutOrStdout(), dl, topic, limit)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&topic, "topic", "", "only list this topic")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries per topic")
	return cmd
}

func newDLQRetryCmd() *cobra.Command {
	var (
		configPath string
		topic      string
	)

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a dead-lettered event back onto its topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(configPath, func(ctx context.Context, dl queue.DeadLetters) error {
				return retryDead(ctx, cmd.OutOrStdout(), dl, topic, args[0])
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&topic, "topic", "", "topic the event was published to (required)")
	cmd.MarkFlagRequired("topic")
	return cmd
}

// withBroker connects to redis for the duration of fn. The database is not
// needed.
func withBroker(configPath string, fn func(context.Context, queue.DeadLetters) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	broker, err := connectBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer broker.Close()
	return fn(ctx, broker)
}

func listDead(ctx context.Context, out io.Writer, dl queue.DeadLetters, topic string, limit int) error {
	topics := queue.Topics()
	if topic != "" {
		if !queue.ValidTopic(topic) {
			return fmt.Errorf("unknown topic %q", topic)
		}
		topics = []string{topic}
	}

	var all []queue.DeadLetter
	for _, t := range topics {
		dead, err := dl.ListDead(ctx, t, limit)
		if err != nil {
			return fmt.Errorf("list %s: %w", t, err)
		}
		all = append(all, dead...)
	}
	if len(all) == 0 {
		fmt.Fprintln(out, "No dead-lettered events.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPIC\tRETRIED\tFAILED\tERROR")
	for _, d := range all {
		failed := "-"
		if !d.FailedAt.IsZero() {
			failed = d.FailedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", d.ID, d.Topic, d.Retried, failed, truncate(d.LastErr, 60))
	}
	return w.Flush()
}

func retryDead(ctx context.Context, out io.Writer, dl queue.DeadLetters, topic, id string) error {
	if !queue.ValidTopic(topic) {
		return fmt.Errorf("unknown topic %q", topic)
	}
	if err := dl.RetryDead(ctx, topic, id); err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	fmt.Fprintf(out, "Requeued %s on %s\n", id, topic)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
