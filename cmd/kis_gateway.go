/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/kis-gateway/internal/bootstrap"
	"github.com/spf13/cobra"
)

// gatewayCmd represents the gateway command
var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "KIS real-time market data gateway",
	Long: `Gateway owns the streaming connection to the KIS real-time feed.

It:
- Issues and refreshes the approval key used to open the stream
- Subscribes executions (H0STCNT0) and order books (H0STASP0) per symbol
- Reconnects with backoff and replays every subscription
- Serves the latest quote per symbol over HTTP, falling back to REST
- Optionally publishes records to NATS JetStream and mirrors them to Redis`,
	Run: bootstrap.StartKISGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
