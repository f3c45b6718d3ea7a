package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Prismer-AI/convsync"
	"github.com/Prismer-AI/convsync/kvstore"
)

// env bundles what a command needs to talk to the service.
type env struct {
	cfg    *Config
	log    *zap.Logger
	cache  *convsync.LocalCache
	docs   *convsync.RemoteDocumentStore
	engine *convsync.Engine
}

func (e *env) Close() {
	if e.engine != nil {
		_ = e.engine.Close()
	}
	if e.docs != nil {
		_ = e.docs.Close()
	}
	if e.cache != nil {
		_ = e.cache.Close()
	}
	_ = e.log.Sync()
}

func newLogger(cfg *Config) (*zap.Logger, error) {
	level := cfg.Default.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	if level == "" {
		level = "warn"
	}
	return convsync.NewLogger(level)
}

// openBackend opens the configured cache backend; memory is the default.
func openBackend(ctx context.Context, cfg *Config, log *zap.Logger) (kvstore.Backend, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return kvstore.NewMemory(), nil
	case "pebble":
		path := cfg.Cache.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "cache")
		}
		return kvstore.OpenPebble(path, log.Named("pebble"))
	case "redis":
		if cfg.Cache.RedisURL == "" {
			return nil, fmt.Errorf("cache.redis_url is required for the redis backend")
		}
		return kvstore.NewRedis(ctx, cfg.Cache.RedisURL)
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

func openCache(ctx context.Context, cfg *Config, log *zap.Logger) (*convsync.LocalCache, error) {
	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return convsync.NewLocalCache(backend, convsync.WithCacheLogger(log.Named("cache"))), nil
}

// syncOptions turns the [sync] section into engine options.
func syncOptions(cfg *Config) ([]convsync.Option, error) {
	var opts []convsync.Option
	if cfg.Sync.PageSize > 0 {
		opts = append(opts, convsync.WithPageSize(cfg.Sync.PageSize))
	}
	if cfg.Sync.ReconcileWindow != "" {
		d, err := time.ParseDuration(cfg.Sync.ReconcileWindow)
		if err != nil {
			return nil, fmt.Errorf("sync.reconcile_window: %w", err)
		}
		opts = append(opts, convsync.WithReconcileWindow(d))
	}
	if cfg.Sync.TypingTimeout != "" {
		d, err := time.ParseDuration(cfg.Sync.TypingTimeout)
		if err != nil {
			return nil, fmt.Errorf("sync.typing_timeout: %w", err)
		}
		opts = append(opts, convsync.WithTypingTimings(0, 0, d))
	}
	return opts, nil
}

// newRemoteEnv builds an engine against the configured service.
func newRemoteEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" || cfg.Default.Token == "" || cfg.Default.UserID == "" {
		return nil, fmt.Errorf("no endpoint or credentials. Run 'convsync init <base-url> <token> <user-id>' first")
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: log}

	if e.cache, err = openCache(ctx, cfg, log); err != nil {
		e.Close()
		return nil, err
	}
	opts, err := syncOptions(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.docs = convsync.NewRemoteDocumentStore(cfg.Default.BaseURL, cfg.Default.Token,
		convsync.WithRemoteLogger(log.Named("remote")))
	opts = append(opts,
		convsync.WithLogger(log),
		convsync.WithCache(e.cache),
		convsync.WithUploader(e.docs),
	)
	e.engine = convsync.NewEngine(e.docs, convsync.StaticIdentity{UserID: cfg.Default.UserID}, opts...)
	return e, nil
}

// printView renders a session transcript oldest first, the way a terminal
// reads.
func printView(self string, view []convsync.Message) {
	for i := len(view) - 1; i >= 0; i-- {
		m := view[i]
		marker := ""
		switch m.DeliveryState {
		case convsync.DeliveryPending:
			marker = " …"
		case convsync.DeliverySent:
			marker = " ✓"
		case convsync.DeliveryReceived:
			marker = " ✓✓"
		}
		who := m.SenderID
		if who == self {
			who = "me"
		}
		fmt.Printf("  %s  %-10s %s%s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Preview(), marker)
	}
}
