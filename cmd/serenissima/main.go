// Command serenissima runs the Venice city engine: the activity and
// stratagem tick loop, the daily settlement and the HTTP API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serenissima/engine/internal/activities"
	"github.com/serenissima/engine/internal/api"
	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/config"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/engine"
	"github.com/serenissima/engine/internal/facade"
	"github.com/serenissima/engine/internal/llm"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/settlement"
	"github.com/serenissima/engine/internal/store/sqlite"
	"github.com/serenissima/engine/internal/stratagems"
)

const catalogTTL = 10 * time.Minute

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration", "error", err)
		os.Exit(1)
	}
	clock.SetTimezone(cfg.Timezone)

	// ── Store ─────────────────────────────────────────────────────────
	db, err := sqlite.Open(cfg.Store.Path, cfg.Store.Base)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("store opened", "path", cfg.Store.Path, "base", cfg.Store.Base)

	// ── Catalogs ──────────────────────────────────────────────────────
	// The API serves the local catalog; the engine follows the façade's
	// and falls back to the local one while it is unreachable.
	local := catalog.Default()
	if cfg.CatalogPath != "" {
		if local, err = catalog.Load(cfg.CatalogPath); err != nil {
			slog.Error("failed to load catalog", "path", cfg.CatalogPath, "error", err)
			os.Exit(1)
		}
	}
	remote := catalog.NewRemote(cfg.Facade.BaseURL, local, catalogTTL)

	// ── Services ──────────────────────────────────────────────────────
	trust := relationships.New(db)
	econ := economy.New(db, trust)

	llmClient := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	if llmClient.Enabled() {
		slog.Info("LLM client enabled")
	} else {
		slog.Warn("LLM_API_KEY not set, reflections disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := activities.NewWorker(64, 2*time.Minute)
	worker.Start(ctx)

	messenger := facade.StoreMessenger{Store: db}
	fabric := activities.New(&activities.Env{
		Store:     db,
		Catalog:   remote,
		Economy:   econ,
		Trust:     trust,
		Paths:     facade.NewTransportClient(cfg.Facade.TransportURL),
		Messenger: messenger,
		Ledger:    api.Ledgers{Store: db},
		LLM:       llmClient,
		Clock:     clock.System{},
		Worker:    worker,
	})
	registry := stratagems.New(&stratagems.Env{
		Store:     db,
		Catalog:   remote,
		Requester: stratagems.Local{Fabric: fabric},
		Trust:     trust,
		Clock:     clock.System{},
	})

	// ── Engine ────────────────────────────────────────────────────────
	orch := &engine.Orchestrator{
		Store:      db,
		Fabric:     fabric,
		Planner:    activities.NewPlanner(fabric),
		Stratagems: registry,
		Settlement: settlement.All(&settlement.Deps{
			Store:   db,
			Economy: econ,
			Trust:   trust,
			Catalog: remote,
		}),
		Clock: clock.System{},
	}
	eng := engine.NewEngine(cfg.TickInterval)
	orch.Attach(eng)

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.Server.AdminKey == "" {
		slog.Warn("ADMIN_KEY not set, stratagem creation disabled")
	}
	apiServer := &api.Server{
		Store:      db,
		Fabric:     fabric,
		Stratagems: registry,
		Catalog:    catalog.Static{C: local},
		Messenger:  messenger,
		Eng:        eng,
		Port:       cfg.Server.Port,
		AdminKey:   cfg.Server.AdminKey,
	}
	apiServer.Start()

	eng.Run(ctx)

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	worker.Stop()
}
