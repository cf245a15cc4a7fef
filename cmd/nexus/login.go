package main

import (
	"context"
	"fmt"
	"os"
	"time"

	nexus "github.com/NexusGrid-Labs/Nexus/sdk/golang"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "account password (prompted from env NEXUS_PASSWORD when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Authenticate and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		password := loginPassword
		if password == "" {
			password = os.Getenv("NEXUS_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("no password given: use --password or set NEXUS_PASSWORD")
		}

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Auth().Login(ctx, &nexus.AuthRequest{Email: email, Password: password})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.Token = res.Token
		cfg.Auth.UserID = res.UserID
		if cfg.Auth.UserID == "" {
			cfg.Auth.UserID = nexus.UserIDFromToken(res.Token)
		}
		cfg.Auth.Email = email
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s (user %s)\n", email, cfg.Auth.UserID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}
