package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/haulbase/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// rooms
	roomsCategory string
	roomsAll      bool

	// history
	historyLimit  int
	historyBefore string

	// tail
	tailTyping bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	roomsCmd.Flags().StringVar(&roomsCategory, "category", "support", "room category (support, order, driver)")
	roomsCmd.Flags().BoolVar(&roomsAll, "all", false, "list every room, not only rooms you take part in")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "page size")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "load the page before this message id")

	tailCmd.Flags().BoolVar(&tailTyping, "typing", true, "show typing indicators")

	rootCmd.AddCommand(roomsCmd, historyCmd, sendCmd, joinCmd, tailCmd)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		scope := chatsync.ScopeMine
		if roomsAll {
			scope = chatsync.ScopeAll
		}
		ctx, cancel := requestContext()
		defer cancel()

		rooms, err := client.ListRooms(ctx, chatsync.RoomCategory(roomsCategory), scope)
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		if jsonOutput {
			return printJSON(rooms)
		}

		// Reuse the directory ordering the session applies.
		dir := chatsync.NewDirectory()
		dir.Load(rooms)
		ordered := dir.Rooms(chatsync.RoomCategory(roomsCategory))
		if len(ordered) == 0 {
			fmt.Println("No rooms.")
			return nil
		}
		now := time.Now()
		for _, r := range ordered {
			fmt.Println(formatRoom(r, now))
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a page of room history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		page, err := client.FetchHistory(ctx, args[0], historyLimit, historyBefore)
		if err != nil {
			return fmt.Errorf("fetch history: %w", err)
		}
		if jsonOutput {
			return printJSON(page)
		}

		store := chatsync.NewMessageStore(args[0])
		store.SeedPage(page)
		now := time.Now()
		for _, m := range store.Messages() {
			fmt.Println(formatMessage(m, now))
		}
		if store.HasMore() {
			if oldest, ok := store.Oldest(); ok {
				fmt.Printf("-- older messages: chatsync history %s --before %s\n", args[0], oldest.ID)
			}
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <text>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := openSession()
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := requestContext()
		defer cancel()

		if err := session.SelectRoom(ctx, args[0]); err != nil {
			return err
		}
		m, err := session.Send(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if jsonOutput {
			return printJSON(m)
		}
		if m.IsProvisional() {
			fmt.Printf("Published %s\n", m.ClientID)
		} else {
			fmt.Printf("Sent %s\n", m.ID)
		}
		return nil
	},
}

// ============================================================================
// join
// ============================================================================

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a support room and open it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := openSession()
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := requestContext()
		defer cancel()

		if _, err := session.RefreshRooms(ctx, chatsync.CategorySupport, chatsync.ScopeAll); err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		if err := session.JoinRoom(ctx, args[0]); err != nil {
			return fmt.Errorf("join: %w", err)
		}
		r, _ := session.Room(args[0])
		if jsonOutput {
			return printJSON(r)
		}
		fmt.Printf("Joined %s (%s)\n", r.ID, r.Status)
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <room-id>",
	Short: "Follow a room live",
	Long:  "Open a room, print its recent history and then every change until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		session, _, err := openSession()
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var mu sync.Mutex
		seen := make(map[string]string)
		session.On(chatsync.EventMessagesChanged, func(_ string, p any) {
			ch := p.(chatsync.MessagesChanged)
			if ch.RoomID != roomID {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			now := time.Now()
			for _, m := range session.Messages(roomID) {
				if !firstSight(seen, m) {
					continue
				}
				if jsonOutput {
					_ = printJSON(m)
					continue
				}
				fmt.Println(formatMessage(m, now))
			}
		})
		if tailTyping {
			session.On(chatsync.EventTypingChanged, func(_ string, p any) {
				ch := p.(chatsync.TypingChanged)
				if ch.RoomID != roomID || len(ch.Typists) == 0 {
					return
				}
				for _, t := range ch.Typists {
					fmt.Printf("... %s is typing\n", t.Name)
				}
			})
		}
		session.On(chatsync.EventRoomClosed, func(_ string, p any) {
			ch := p.(chatsync.RoomClosure)
			if ch.RoomID == roomID {
				fmt.Printf("-- room closed: %s --\n", valueOrDefault(ch.Reason, "no reason given"))
			}
		})
		session.On(chatsync.EventConnectionState, func(_ string, p any) {
			ch := p.(chatsync.ConnectionStateChanged)
			if ch.Err != nil {
				fmt.Fprintf(os.Stderr, "-- %s: %v --\n", ch.State, ch.Err)
				return
			}
			fmt.Fprintf(os.Stderr, "-- %s --\n", ch.State)
		})

		if err := session.SelectRoom(ctx, roomID); err != nil {
			return err
		}
		if err := session.MarkRead(ctx, roomID); err != nil {
			fmt.Fprintf(os.Stderr, "mark read: %v\n", err)
		}

		<-ctx.Done()
		return nil
	},
}

// firstSight records m in seen and reports whether it has not been printed
// in its current form. A provisional message confirmed by the server is
// printed again under its persisted id.
func firstSight(seen map[string]string, m chatsync.Message) bool {
	key := m.ID
	if m.ClientID != "" {
		key = m.ClientID
	}
	if seen[key] == m.ID {
		return false
	}
	seen[key] = m.ID
	return true
}
