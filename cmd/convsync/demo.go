package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/convsync"
	"github.com/Prismer-AI/convsync/kvstore"
)

var demoMessages int

func init() {
	demoCmd.Flags().IntVar(&demoMessages, "messages", 45, "history size of the seeded conversation")
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the sync engine against an in-memory store",
	Long: `Seed an in-memory conversation between "me" and "bob", then walk through an
optimistic send, typing, read receipts and history paging, printing the view
after each step. No service or configuration is needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		log, err := newLogger(&Config{})
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		docs := convsync.NewMemoryDocumentStore(convsync.SystemClock)
		docs.CreateConversation("demo", "Demo", "me", "bob")
		base := time.Now().Add(-time.Duration(demoMessages) * time.Minute)
		for i := 0; i < demoMessages; i++ {
			sender := "bob"
			if i%3 == 0 {
				sender = "me"
			}
			docs.AddMessages("demo", convsync.Message{
				ID:        fmt.Sprintf("seed-%03d", i),
				SenderID:  sender,
				Kind:      convsync.KindText,
				Text:      fmt.Sprintf("message %d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
		}

		cache := convsync.NewLocalCache(kvstore.NewMemory(), convsync.WithCacheLogger(log.Named("cache")))
		defer cache.Close()
		engine := convsync.NewEngine(docs, convsync.StaticIdentity{UserID: "me"},
			convsync.WithLogger(log),
			convsync.WithCache(cache),
			convsync.WithTypingTimings(200*time.Millisecond, 100*time.Millisecond, time.Second),
			convsync.WithReadDebounce(100*time.Millisecond),
		)
		defer engine.Close()

		session, err := engine.OpenConversation(ctx, "demo")
		if err != nil {
			return err
		}
		step := func(title string) {
			fmt.Printf("\n== %s (%s) ==\n", title, session.Title())
			printView("me", session.View())
			c := session.Cursor()
			fmt.Printf("  [%d loaded, more=%t]\n", len(session.View()), c.HasMore)
		}
		step("opened")

		if _, err := session.Send(ctx, "hello from the demo"); err != nil {
			return err
		}
		step("sent")

		for _, text := range []string{"t", "ty", "typ"} {
			if err := session.Input(ctx, text); err != nil {
				return err
			}
		}
		if c, _ := session.Conversation(); c.Typing["me"].IsTyping {
			fmt.Println("\n  me: typing")
		}
		time.Sleep(300 * time.Millisecond)
		if c, _ := session.Conversation(); !c.Typing["me"].IsTyping {
			fmt.Println("  me: idle")
		}

		// bob reads everything
		if err := docs.UpdateConversation(ctx, "demo", map[string]any{"lastRead.bob": time.Now()}); err != nil {
			return err
		}
		step("read by bob")

		for session.Cursor().HasMore {
			n, err := session.LoadEarlier(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("\n  loaded %d earlier\n", n)
		}
		step("full history")
		return nil
	},
}
