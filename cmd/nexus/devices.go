package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	devicesCmd.AddCommand(devicesListCmd)
	devicesCmd.AddCommand(devicesBindCmd)
	devicesCmd.AddCommand(devicesUnbindCmd)
	devicesCmd.AddCommand(devicesDailyCmd)
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage smart devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the devices bound to your account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, tokens := getAuthedClient()

		devices, err := client.Devices().ListForUser(cmd.Context(), tokens.UserID())
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("No devices bound to this account.")
			return nil
		}
		for _, d := range devices {
			fmt.Printf("%-36s  %-12s  %s\n", d.ID, d.Type, d.Name)
		}
		return nil
	},
}

var devicesBindCmd = &cobra.Command{
	Use:   "bind <device-id>",
	Short: "Bind a device to your account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, tokens := getAuthedClient()
		if err := client.Devices().BindToUser(cmd.Context(), tokens.UserID(), args[0]); err != nil {
			return fmt.Errorf("failed to bind device: %w", err)
		}
		fmt.Printf("Device %s bound.\n", args[0])
		return nil
	},
}

var devicesUnbindCmd = &cobra.Command{
	Use:   "unbind <device-id>",
	Short: "Unbind a device from your account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, tokens := getAuthedClient()
		if err := client.Devices().UnbindFromUser(cmd.Context(), tokens.UserID(), args[0]); err != nil {
			return fmt.Errorf("failed to unbind device: %w", err)
		}
		fmt.Printf("Device %s unbound.\n", args[0])
		return nil
	},
}

var devicesDailyCmd = &cobra.Command{
	Use:   "daily <device-id> <date>",
	Short: "Show a device's hourly consumption for a day (YYYY-MM-DD)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthedClient()

		daily, err := client.Monitoring().DailyConsumption(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to fetch daily consumption: %w", err)
		}
		fmt.Printf("Device %s on %s: %.3f kWh total\n", daily.DeviceID, daily.Date, daily.TotalConsumption)
		for _, h := range daily.HourlyConsumptions {
			fmt.Printf("  %s  %.3f kWh\n", h.HourTimestamp, h.Consumption)
		}
		return nil
	},
}
