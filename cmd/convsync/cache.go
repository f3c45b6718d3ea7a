package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/convsync/kvstore"
)

func init() {
	cacheCmd.AddCommand(cacheMigrateCmd, cacheGetCmd, cacheKeysCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the local cache",
}

var cacheMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Remove entries written under retired key schemes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		cache, err := openCache(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer cache.Close()

		n, err := cache.Migrate(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d legacy entries.\n", n)
		return nil
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the raw cache entry for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(func(ctx context.Context, b kvstore.Backend) error {
			raw, err := b.Get(ctx, args[0])
			if errors.Is(err, kvstore.ErrNotFound) {
				fmt.Fprintln(os.Stderr, "not cached")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		})
	},
}

var cacheKeysCmd = &cobra.Command{
	Use:   "keys [prefix]",
	Short: "List cache keys",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		return withBackend(func(ctx context.Context, b kvstore.Backend) error {
			keys, err := b.Keys(ctx, prefix)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		})
	},
}

func withBackend(fn func(context.Context, kvstore.Backend) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}
