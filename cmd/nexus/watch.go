package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	nexus "github.com/NexusGrid-Labs/Nexus/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <device-id>",
	Short: "Stream live consumption readings for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthedClient()
		deviceID := args[0]

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ch := client.Realtime().Channel(nexus.ChannelMonitoring, nil)
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect monitoring channel: %w", err)
		}
		defer ch.Disconnect()

		readings := ch.SubscribeDevice(deviceID, func(r nexus.ConsumptionReading) {
			fmt.Printf("%s  %s  %.3f kWh  (hour total %.3f)\n",
				r.Timestamp, r.DeviceID, r.Consumption, r.HourlyTotal)
		})
		defer readings.Release()

		alerts := ch.SubscribeDeviceAlerts(deviceID, func(a nexus.OverconsumptionAlert) {
			fmt.Fprintf(os.Stderr, "ALERT %s: %s (%.2f over threshold %.2f)\n",
				a.DeviceName, a.Message, a.CurrentConsumption, a.Threshold)
		})
		defer alerts.Release()

		fmt.Printf("Watching device %s. Ctrl-C to stop.\n", deviceID)
		<-ctx.Done()
		return nil
	},
}
