package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	nexus "github.com/NexusGrid-Labs/Nexus/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive support chat",
	Long: "Open the guided support chat. Type the number of a topic to pick it,\n" +
		"or free text once the conversation is live. Ctrl-D closes the chat.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, tokens := getAuthedClient()
		ctx := cmd.Context()

		topics, err := client.Chat().Topics(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "topic catalogue unavailable, using built-in list: %v\n", err)
		}

		conv := nexus.NewConversation(tokens.UserID(), client.Chat().SendMessage, nil)
		conv.Open(topics)
		defer conv.Close()

		ch := client.Realtime().Channel(nexus.ChannelChat, nil)
		if err := ch.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "realtime channel unavailable, falling back to HTTP only: %v\n", err)
		}
		defer ch.Disconnect()

		// render is called from both the prompt loop and the socket
		// goroutine; the cursor needs the lock.
		var renderMu sync.Mutex
		rendered := 0
		render := func() {
			renderMu.Lock()
			defer renderMu.Unlock()
			msgs := conv.Messages()
			for ; rendered < len(msgs); rendered++ {
				m := msgs[rendered]
				marker := ""
				if m.Provisional {
					marker = " (sending...)"
				}
				fmt.Printf("[%s] %s%s\n", m.Sender, m.Text, marker)
			}
		}

		sub := ch.SubscribeUserChat(tokens.UserID(), func(ev nexus.ChatEvent) {
			conv.HandlePush(ev)
			render()
		})
		defer sub.Release()

		render()
		printTopics(conv.Topics())

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			if conv.State() != nexus.ConversationLive {
				if topic := topicByIndex(conv.Topics(), line); topic != "" {
					if err := conv.PickTopic(ctx, topic); err != nil {
						fmt.Fprintf(os.Stderr, "%v\n", err)
					}
					render()
					if conv.State() != nexus.ConversationLive {
						printTopics(conv.Topics())
					}
					continue
				}
				fmt.Println("Pick a topic by number.")
				continue
			}

			if err := conv.Submit(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
			render()
		}
		return nil
	},
}

func printTopics(topics []nexus.SupportTopic) {
	for i, t := range topics {
		fmt.Printf("  %d. %s\n", i+1, t.Label)
	}
}

func topicByIndex(topics []nexus.SupportTopic, line string) string {
	var n int
	if _, err := fmt.Sscanf(line, "%d", &n); err != nil {
		return ""
	}
	if n < 1 || n > len(topics) {
		return ""
	}
	return topics[n-1].ID
}
