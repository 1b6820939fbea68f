package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang-jwt/jwt/v4"
	"github.com/haulbase/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, the identity in the token and its expiry, and check that the API answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Default.Transport == "amqp" {
			fmt.Printf("  AMQP URL:    %s\n", valueOrDefault(cfg.Default.AMQPURL, "(not set)"))
			fmt.Printf("  Exchange:    %s\n", valueOrDefault(cfg.Default.Exchange, "chat.events"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		actor, err := chatsync.ActorFromToken(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Identity:    invalid (%v)\n", err)
			return nil
		}
		fmt.Printf("  Identity:    %s\n", actorLabel(actor))
		fmt.Printf("  Role:        %s\n", actor.Type)
		fmt.Printf("  Expiry:      %s\n", tokenExpiry(cfg.Auth.Token, time.Now()))

		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		rooms, err := client.ListRooms(ctx, chatsync.CategorySupport, chatsync.ScopeMine)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		dir := chatsync.NewDirectory()
		dir.Load(rooms)
		fmt.Printf("  Support rooms: %s\n", humanize.Comma(int64(dir.Len())))
		fmt.Printf("  Unread:        %s\n", humanize.Comma(int64(dir.Unread())))
		return nil
	},
}

// tokenExpiry describes the exp claim of a token relative to now.
func tokenExpiry(token string, now time.Time) string {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "unknown"
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return "none"
	}
	at := time.Unix(int64(exp), 0)
	rel := humanize.RelTime(at, now, "ago", "from now")
	if now.After(at) {
		return "EXPIRED " + rel
	}
	return "valid, expires " + rel
}
