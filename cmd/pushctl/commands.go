package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/willyaranda/notification-next/internal/ingest"
	"github.com/willyaranda/notification-next/pkg/push"
)

var (
	publishApp     string
	publishVersion int64

	wakeupIP    string
	wakeupPort  int
	wakeupProto string
)

// publishCmd sends a new-version event for an application.
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a new version for an application",
	Long:  `Validate and publish {"app", "vs"} to the newMessages queue, as an application server would.`,
	RunE: func(c *cobra.Command, _ []string) error {
		return withSession(c.Context(), func(ctx context.Context, s *session) error {
			b, err := s.connectBroker(ctx)
			if err != nil {
				return err
			}
			msg := push.NewMessage{AppToken: publishApp, Version: publishVersion}
			if err := ingest.NewProducer(b, s.logger).Publish(ctx, msg); err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.OutOrStdout(), "published app=%s vs=%d\n", msg.AppToken, msg.Version)
			return err
		})
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect registered nodes",
}

var nodeGetCmd = &cobra.Command{
	Use:   "get [agent-id]",
	Short: "Show a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		return withSession(c.Context(), func(ctx context.Context, s *session) error {
			registry, err := s.openRegistry(ctx)
			if err != nil {
				return err
			}
			node, err := registry.GetNode(ctx, args[0])
			if err != nil {
				return err
			}
			if node == nil {
				return fmt.Errorf("node %s not found", args[0])
			}
			return printJSON(c.OutOrStdout(), node)
		})
	},
}

var nodeCandidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List nodes the retry sweep would redeliver to",
	RunE: func(c *cobra.Command, _ []string) error {
		return withSession(c.Context(), func(ctx context.Context, s *session) error {
			registry, err := s.openRegistry(ctx)
			if err != nil {
				return err
			}
			nodes, err := registry.ListWakeupCandidates(ctx)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), nodes)
		})
	},
}

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the application reverse index from the node collection",
	RunE: func(c *cobra.Command, _ []string) error {
		return withSession(c.Context(), func(ctx context.Context, s *session) error {
			registry, err := s.openRegistry(ctx)
			if err != nil {
				return err
			}
			n, err := registry.RebuildAppIndex(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.OutOrStdout(), "rebuilt %d application entries\n", n)
			return err
		})
	},
}

// wakeupCmd sends a wake-up packet without touching the registry.
var wakeupCmd = &cobra.Command{
	Use:   "wakeup",
	Short: "Send a wake-up packet to a device",
	RunE: func(c *cobra.Command, _ []string) error {
		return withSession(c.Context(), func(ctx context.Context, s *session) error {
			target := push.WakeupTarget{IP: wakeupIP, Port: wakeupPort, Transport: push.Transport(wakeupProto)}
			if err := s.deps.Notifier.Wake(ctx, target); err != nil {
				return err
			}
			_, err := fmt.Fprintf(c.OutOrStdout(), "woke %s:%d over %s\n", wakeupIP, wakeupPort, wakeupProto)
			return err
		})
	},
}

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Look up mobile operators",
}

var operatorGetCmd = &cobra.Command{
	Use:   "get [mcc] [mnc]",
	Short: "Show the operator for a mobile network",
	Args:  cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		for _, code := range args {
			if _, err := strconv.Atoi(code); err != nil {
				return fmt.Errorf("network code %q is not numeric", code)
			}
		}
		return withSession(c.Context(), func(ctx context.Context, s *session) error {
			if _, err := s.openRegistry(ctx); err != nil {
				return err
			}
			op, err := s.deps.Operators.GetOperator(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if op == nil {
				return fmt.Errorf("no operator for %s", push.OperatorID(args[0], args[1]))
			}
			return printJSON(c.OutOrStdout(), op)
		})
	},
}

var operatorResetCmd = &cobra.Command{
	Use:   "reset-cache",
	Short: "Drop every cached operator record",
	RunE: func(c *cobra.Command, _ []string) error {
		return withSession(c.Context(), func(ctx context.Context, s *session) error {
			return s.deps.Operators.Reset(ctx)
		})
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishApp, "app", "", "Application token")
	publishCmd.Flags().Int64Var(&publishVersion, "version", 0, "Notification version")
	_ = publishCmd.MarkFlagRequired("app")

	nodeCmd.AddCommand(nodeGetCmd)
	nodeCmd.AddCommand(nodeCandidatesCmd)

	wakeupCmd.Flags().StringVar(&wakeupIP, "ip", "", "Device IP address")
	wakeupCmd.Flags().IntVar(&wakeupPort, "port", 0, "Device port")
	wakeupCmd.Flags().StringVar(&wakeupProto, "proto", string(push.TransportUDP), "udp or tcp")
	_ = wakeupCmd.MarkFlagRequired("ip")
	_ = wakeupCmd.MarkFlagRequired("port")

	operatorCmd.AddCommand(operatorGetCmd)
	operatorCmd.AddCommand(operatorResetCmd)
}
