package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"dms/internal/messaging"
	"dms/internal/model"
)

func newEventsCmd(rt *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect published document events",
	}

	var opts messaging.TailOptions
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print document events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pub, err := messaging.NewNATS(ctx, rt.cfg.NATS, rt.logger)
			if err != nil {
				return err
			}
			defer func() { _ = pub.Close() }()

			js, err := pub.JetStream()
			if err != nil {
				return err
			}
			opts.Stream = rt.cfg.NATS.Stream

			enc := json.NewEncoder(cmd.OutOrStdout())
			return messaging.Tail(ctx, js, opts, func(evt model.DomainEvent, meta *jetstream.MsgMetadata) error {
				line := struct {
					Sequence uint64            `json:"stream_seq,omitempty"`
					Event    model.DomainEvent `json:"event"`
				}{Event: evt}
				if meta != nil {
					line.Sequence = meta.Sequence.Stream
				}
				if err := enc.Encode(line); err != nil {
					return fmt.Errorf("write event: %w", err)
				}
				return nil
			})
		},
	}
	tail.Flags().StringVar(&opts.DocumentID, "document", "", "only show events of this document ID")
	tail.Flags().BoolVar(&opts.All, "all", false, "replay the stream from the beginning")

	cmd.AddCommand(tail)
	return cmd
}
