package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"checkoutcore/internal/common/events"
	"checkoutcore/internal/common/nats"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Work with the checkout event stream",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print checkout events as they are published",
		Args:  cobra.NoArgs,
		RunE:  runTail,
	}
	tail.Flags().String("consumer", "checkoutctl-tail", "Durable consumer name")
	tail.Flags().String("type", "", "Only events of this type, e.g. checkout.payment.result")
	tail.Flags().Bool("all", false, "Replay the stream from the start")

	cmd.AddCommand(tail)
	return cmd
}

func runTail(cmd *cobra.Command, _ []string) error {
	var cfg nats.Config
	if err := loadConfig(&cfg); err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("consumer")
	eventType, _ := cmd.Flags().GetString("type")
	all, _ := cmd.Flags().GetBool("all")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := cmdLogger(cmd)
	client, err := nats.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	consumer, err := client.EnsureConsumer(ctx, nats.ConsumerConfig{
		Name:          name,
		Stream:        cfg.EventsStream,
		FilterSubject: tailFilter(eventType),
		DeliverNew:    !all,
	})
	if err != nil {
		return err
	}

	err = nats.NewSubscriber(consumer, logger).Start(ctx, printEvent(cmd.OutOrStdout()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tailFilter narrows the consumer to one event type when given
func tailFilter(eventType string) string {
	if eventType == "" {
		return nats.EventSubjects
	}
	if !strings.HasPrefix(eventType, "checkout.") {
		eventType = "checkout." + eventType
	}
	return nats.Subject(eventType)
}

// printEvent writes one line per event: time, type, session and payload
func printEvent(w io.Writer) nats.MessageHandler {
	return func(_ context.Context, e *events.Event) error {
		data := e.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		_, err := fmt.Fprintf(w, "%s %-28s %s %s\n", e.OccurredAt.Format("15:04:05.000"), e.Type, e.SessionID, data)
		return err
	}
}
