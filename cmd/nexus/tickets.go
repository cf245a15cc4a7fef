package main

import (
	"fmt"
	"strings"

	nexus "github.com/NexusGrid-Labs/Nexus/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	ticketsCmd.AddCommand(ticketsPendingCmd)
	ticketsCmd.AddCommand(ticketsActiveCmd)
	ticketsCmd.AddCommand(ticketsShowCmd)
	ticketsCmd.AddCommand(ticketsReplyCmd)
	rootCmd.AddCommand(ticketsCmd)
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Work support tickets (admin)",
}

var ticketsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List tickets waiting for an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthedClient()
		tickets, err := client.Chat().PendingTickets(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list pending tickets: %w", err)
		}
		printTickets(tickets)
		return nil
	},
}

var ticketsActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "List tickets with an agent assigned",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthedClient()
		tickets, err := client.Chat().ActiveTickets(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list active tickets: %w", err)
		}
		printTickets(tickets)
		return nil
	},
}

var ticketsShowCmd = &cobra.Command{
	Use:   "show <ticket-id>",
	Short: "Show a ticket's full transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthedClient()
		ticket, err := client.Chat().Ticket(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch ticket: %w", err)
		}
		fmt.Printf("Ticket %s  user=%s  status=%s  created=%s\n",
			ticket.TicketID, ticket.UserID, ticket.Status, ticket.CreatedAt)
		for _, m := range ticket.Messages {
			fmt.Printf("  [%s] %s  %s\n", m.Sender, m.Timestamp, m.MessageContent)
		}
		return nil
	},
}

var ticketsReplyCmd = &cobra.Command{
	Use:   "reply <ticket-id> <message...>",
	Short: "Send an agent reply on a ticket",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthedClient()
		message := strings.Join(args[1:], " ")
		reply, err := client.Chat().SendAdminMessage(cmd.Context(), args[0], message)
		if err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
		fmt.Printf("Sent at %s\n", reply.Timestamp)
		return nil
	},
}

func printTickets(tickets []nexus.SupportTicket) {
	if len(tickets) == 0 {
		fmt.Println("No tickets.")
		return
	}
	for _, t := range tickets {
		last := ""
		if n := len(t.Messages); n > 0 {
			last = t.Messages[n-1].MessageContent
		}
		fmt.Printf("%-36s  %-36s  %-10s  %s\n", t.TicketID, t.UserID, t.Status, last)
	}
}
