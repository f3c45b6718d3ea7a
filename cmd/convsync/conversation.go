package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/convsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendImage string
	sendJSON  bool

	// history
	historyPages int
	historyJSON  bool

	// unread / list
	unreadJSON bool
	listCached bool
	listJSON   bool
)

func init() {
	rootCmd.AddCommand(tailCmd, sendCmd, historyCmd, unreadCmd, listCmd)

	sendCmd.Flags().StringVar(&sendImage, "image", "", "local image to upload and send; the text becomes its caption")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "print the created message as JSON")

	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of earlier pages to load after the live window")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print messages as JSON")

	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "print counts as JSON")

	listCmd.Flags().BoolVar(&listCached, "cached", false, "print the cached list without contacting the service")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print rows as JSON")
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation, print the cached view, then reprint on every live change until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		e, err := newRemoteEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		session, err := e.engine.OpenConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer session.Close()

		updates := make(chan struct{}, 1)
		session.OnUpdate(func() {
			select {
			case updates <- struct{}{}:
			default:
			}
		})

		render := func() {
			fmt.Printf("\n== %s ==\n", session.Title())
			printView(e.engine.Self(), session.View())
			if typing := session.TypingUsers(); len(typing) > 0 {
				fmt.Printf("  (%v typing)\n", typing)
			}
		}
		render()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-updates:
				render()
			}
		}
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		e, err := newRemoteEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		session, err := e.engine.OpenConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer session.Close()

		var msg convsync.Message
		if sendImage != "" {
			msg, err = session.SendImage(ctx, sendImage, args[1])
		} else {
			msg, err = session.Send(ctx, args[1])
		}
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Println("Message sent.")
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Print the live window plus earlier pages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		e, err := newRemoteEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		session, err := e.engine.OpenConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer session.Close()

		if err := waitLoaded(ctx, session); err != nil {
			return err
		}
		for i := 0; i < historyPages && session.Cursor().HasMore; i++ {
			if _, err := session.LoadEarlier(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "could not load earlier messages: %v\n", err)
				break
			}
		}

		view := session.View()
		if historyJSON {
			return printJSON(view)
		}
		printView(e.engine.Self(), view)
		if session.Cursor().HasMore {
			fmt.Println("  (more history available)")
		}
		return nil
	},
}

// ============================================================================
// unread / list
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		e, err := newRemoteEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		counts, err := e.engine.UnreadCounts(ctx)
		if err != nil {
			return err
		}
		if unreadJSON {
			return printJSON(counts)
		}
		total := 0
		for id, n := range counts {
			fmt.Printf("%-30s %d\n", id, n)
			total += n
		}
		fmt.Printf("%-30s %d\n", "total", total)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations by recent activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		e, err := newRemoteEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		rows, ok := e.engine.CachedConversationList(ctx)
		if !listCached || !ok {
			if rows, err = e.engine.ConversationList(ctx); err != nil {
				return err
			}
		}
		if listJSON {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, r := range rows {
			fmt.Printf("%-24s %-30s %3d  %s\n", r.ID, r.Title, r.Unread, r.LastMessagePreview)
		}
		return nil
	},
}

// waitLoaded blocks until the first live snapshot has been merged.
func waitLoaded(ctx context.Context, session *convsync.Session) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !session.Loaded() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", session.ID(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
