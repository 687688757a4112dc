package main

import (
	"fmt"
	"io"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
	"github.com/spf13/cobra"
)

func printPacket(out io.Writer, pkt *packet.Packet) {
	_, _ = fmt.Fprintf(out, "%s\tqos=%d\t%q\n", pkt.Topic, pkt.QoS, pkt.Payload)
}

func (a *app) retainedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retained [filter...]",
		Short: "List the retained messages whose topic matches any of the filters (default #).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"#"}
			}
			ctx := cmd.Context()
			cursor := a.persistence.StreamRetainedMatching(args...)
			for cursor.Next(ctx) {
				printPacket(cmd.OutOrStdout(), cursor.Value())
			}
			return cursor.Err()
		},
	}
}

func (a *app) subscriptionsCmd() *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "subscriptions [client]",
		Short: "List the subscriptions of a client, or the QoS>0 subscriptions matching --topic.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if topic == "" && len(args) == 0 {
				return fmt.Errorf("either a client id or --topic is required")
			}
			if topic != "" {
				subs, err := a.persistence.ListSubscriptionsByTopic(ctx, topic)
				if err != nil {
					return err
				}
				for _, sub := range subs {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tqos=%d\n", sub.ClientID, sub.Topic, sub.QoS)
				}
				return nil
			}
			subs, err := a.persistence.ListSubscriptionsByClient(ctx, args[0])
			if err != nil {
				return err
			}
			for _, sub := range subs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tqos=%d\n", sub.Topic, sub.QoS)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic pattern to list QoS>0 subscriptions for")
	return cmd
}

func (a *app) clientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients [topic]",
		Short: "List the distinct clients subscribed to a topic, or every subscribed client.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var topic string
			if len(args) == 1 {
				topic = args[0]
			}
			ctx := cmd.Context()
			cursor := a.persistence.ListClientsByTopic(topic)
			for cursor.Next(ctx) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cursor.Value())
			}
			return cursor.Err()
		},
	}
}

func (a *app) countOfflineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count-offline",
		Short: "Count the distinct topics and clients holding QoS>0 subscriptions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topics, clients, err := a.persistence.CountOffline(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "topics=%d clients=%d\n", topics, clients)
			return nil
		},
	}
}

func (a *app) outgoingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outgoing <client>",
		Short: "List the packets queued for delivery to a client, oldest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cursor := a.persistence.StreamOutgoing(args[0])
			for cursor.Next(ctx) {
				pkt := cursor.Value()
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mid=%d\tbroker=%s/%d\t", pkt.MessageID, pkt.BrokerID, pkt.BrokerCounter)
				printPacket(cmd.OutOrStdout(), pkt)
			}
			return cursor.Err()
		},
	}
}

func (a *app) willsCmd() *cobra.Command {
	var live []string
	cmd := &cobra.Command{
		Use:   "wills",
		Short: "List the stored wills, optionally only those not owned by a --live broker.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var brokers []string
			if cmd.Flags().Changed("live") {
				brokers = live
			}
			ctx := cmd.Context()
			cursor := a.persistence.StreamUnclaimedWills(brokers)
			for cursor.Next(ctx) {
				will := cursor.Value()
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tbroker=%s\t", will.ClientID, will.Packet.BrokerID)
				printPacket(cmd.OutOrStdout(), will.Packet)
			}
			return cursor.Err()
		},
	}
	cmd.Flags().StringSliceVar(&live, "live", nil, "ids of the brokers that are still running")
	return cmd
}
