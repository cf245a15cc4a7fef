package main

import (
	"fmt"
	"os"

	nexus "github.com/NexusGrid-Labs/Nexus/sdk/golang"
	"github.com/sirupsen/logrus"
)

// getClient creates a NEXUS client from the saved configuration. When the
// saved credential is present it is loaded into the token store.
func getClient() (*nexus.Client, *nexus.MemoryTokenStore) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logrus.New()
	if cfg.Default.LogLevel != "" {
		if level, err := logrus.ParseLevel(cfg.Default.LogLevel); err == nil {
			log.SetLevel(level)
		}
	}

	tokens := nexus.NewMemoryTokenStore()
	if cfg.Auth.Token != "" {
		tokens.SetToken(cfg.Auth.Token, cfg.Auth.UserID)
	}

	var opts []nexus.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, nexus.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, nexus.WithLogger(log))

	return nexus.NewClient(tokens, opts...), tokens
}

// getAuthedClient is getClient but refuses to proceed unauthenticated.
func getAuthedClient() (*nexus.Client, *nexus.MemoryTokenStore) {
	client, tokens := getClient()
	if tokens.Token() == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'nexus login <email>' first.")
		os.Exit(1)
	}
	return client, tokens
}
