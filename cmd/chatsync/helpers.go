package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/haulbase/chatsync"
	"github.com/haulbase/chatsync/amqppush"
	"github.com/rs/zerolog"
)

// getClient creates a REST client from the loaded configuration.
func getClient(cfg *Config) (*chatsync.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token. Run 'chatsync init <token>' first")
	}
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, chatsync.WithUserAgent("chatsync-cli"))
	return chatsync.NewClient(cfg.Auth.Token, opts...), nil
}

// newTransport builds the push transport named by default.transport.
func newTransport(cfg *Config, client *chatsync.Client, log *zerolog.Logger) (chatsync.Transport, error) {
	switch cfg.Default.Transport {
	case "", "ws":
		return client.NewWSTransport(&chatsync.TransportConfig{AutoReconnect: true, Logger: log}), nil
	case "sse":
		return client.NewSSETransport(&chatsync.TransportConfig{AutoReconnect: true, Logger: log}), nil
	case "amqp":
		if cfg.Default.AMQPURL == "" {
			return nil, fmt.Errorf("default.amqp_url is required for the amqp transport")
		}
		return amqppush.New(amqppush.Config{
			URL:           cfg.Default.AMQPURL,
			Exchange:      cfg.Default.Exchange,
			AutoReconnect: true,
			Logger:        log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Default.Transport)
	}
}

// openSession loads config and returns an opened session plus its client.
func openSession() (*chatsync.Session, *chatsync.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := getClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	actor, err := chatsync.ActorFromToken(cfg.Auth.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("token rejected: %w", err)
	}

	log := newLogger()
	tr, err := newTransport(cfg, client, &log)
	if err != nil {
		return nil, nil, err
	}
	session, err := chatsync.NewSession(chatsync.Config{
		Transport: tr,
		Backend:   client,
		Actor:     actor,
		Logger:    &log,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := session.Open(); err != nil {
		return nil, nil, err
	}
	return session, client, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func actorLabel(a *chatsync.Actor) string {
	if a.Name != "" {
		return a.Name + " <" + a.ID + ">"
	}
	return a.ID
}

// formatMessage renders one message line for terminal output.
func formatMessage(m chatsync.Message, now time.Time) string {
	when := "unknown time"
	if m.SentAt > 0 {
		when = humanize.RelTime(time.UnixMilli(m.SentAt.Millis()), now, "ago", "from now")
	}
	who := valueOrDefault(m.SenderName, m.SenderID)
	var flags []string
	if m.IsProvisional() {
		flags = append(flags, "sending")
	}
	if m.IsRead {
		flags = append(flags, "read")
	}

	text := m.Content
	switch m.Kind() {
	case chatsync.KindSystem:
		return fmt.Sprintf("[%s] * %s", when, m.SystemText())
	case chatsync.KindImage:
		text = "[image] " + text
	}

	line := fmt.Sprintf("[%s] %s (%s): %s", when, who, m.SenderType, text)
	if len(flags) > 0 {
		line += " (" + strings.Join(flags, ", ") + ")"
	}
	return line
}

// formatRoom renders one room line for terminal output.
func formatRoom(r chatsync.Room, now time.Time) string {
	line := fmt.Sprintf("%-24s %-20s %-8s", r.ID, r.Type, r.Status)
	if r.UnreadCount > 0 {
		line += fmt.Sprintf(" %s unread", humanize.Comma(int64(r.UnreadCount)))
	}
	if r.LastMessage != nil && r.LastMessage.SentAt > 0 {
		line += fmt.Sprintf(" last %s", humanize.RelTime(time.UnixMilli(r.LastMessage.SentAt.Millis()), now, "ago", "from now"))
	}
	return line
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
