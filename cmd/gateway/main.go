package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/aigateway/internal/arbiter"
	"github.com/rakunlabs/aigateway/internal/classifier"
	"github.com/rakunlabs/aigateway/internal/config"
	"github.com/rakunlabs/aigateway/internal/crypto"
	"github.com/rakunlabs/aigateway/internal/dispatch"
	"github.com/rakunlabs/aigateway/internal/executor"
	"github.com/rakunlabs/aigateway/internal/server"
	"github.com/rakunlabs/aigateway/internal/store"
	"github.com/rakunlabs/aigateway/internal/store/memory"
	"github.com/rakunlabs/aigateway/internal/store/postgres"
	"github.com/rakunlabs/aigateway/internal/store/sqlite3"
)

var (
	name    = "aigateway"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var key []byte
	if cfg.Store.EncryptionKey != "" {
		key, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	st, err := newStore(ctx, cfg, key)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := config.Bootstrap(ctx, cfg, st); err != nil {
		return fmt.Errorf("failed to bootstrap store from config: %w", err)
	}

	providers, err := cfg.ResolveProviders()
	if err != nil {
		return fmt.Errorf("failed to resolve providers: %w", err)
	}

	arb := arbiter.New(st, classifier.DefaultConfig(), nil)
	execs := executor.NewRegistry()
	dispatcher := dispatch.New(st, arb, execs, providers, cfg.Aliases, classifier.DefaultConfig(), nil, slog.Default())

	srv, err := server.New(ctx, cfg.Server, cfg.Gateway, dispatcher, st, cfg.Providers)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	slog.Info("starting gateway", "host", cfg.Server.Host, "port", cfg.Server.Port, "providers", len(providers))

	return srv.Start(ctx)
}

// newStore selects the Credential Store backend per Store.Backend. key is
// the derived encryption key (nil disables encryption at rest) — only the
// persistent backends use it, since the in-memory store never writes to
// disk.
func newStore(ctx context.Context, cfg *config.Config, key []byte) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.New(ctx, cfg.Store.Postgres, key)
	case "sqlite":
		return sqlite3.New(ctx, cfg.Store.SQLite, key)
	default:
		slog.Warn("unknown store backend, falling back to in-memory store", "backend", cfg.Store.Backend)
		return memory.New(), nil
	}
}
