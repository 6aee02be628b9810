package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dvdyellow/server/internal/auth"
	"github.com/dvdyellow/server/internal/config"
	"github.com/dvdyellow/server/internal/db"
	"github.com/dvdyellow/server/internal/game"
	"github.com/dvdyellow/server/internal/presence"
	"github.com/dvdyellow/server/internal/protocol"
	"github.com/dvdyellow/server/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	slog.Info("dvdyellow server starting",
		"bind", cfg.Network.BindAddress, "port", cfg.Network.Port,
		"driver", cfg.Database.Driver)

	store, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if err := store.SeedDefaultContent(ctx); err != nil {
		return fmt.Errorf("seeding content: %w", err)
	}
	slog.Info("database ready")

	addr := fmt.Sprintf("%s:%d", cfg.Network.BindAddress, cfg.Network.Port)
	srv := server.New(addr, func(v int64) bool { return v == protocol.Version })
	assemble(srv, store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Run(gctx); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// assemble wires the modules, the permission gate and the ordered
// disconnect hook chain onto a server. The game hook must run first
// (forfeits need the identity), presence second (the final
// "disconnected" broadcast), auth last (bijection removal).
func assemble(srv *server.Server, store *db.Store) {
	authMgr := auth.NewManager(store)
	presenceMgr := presence.NewManager(store)
	gameMgr := game.NewManager(store, authMgr)

	srv.Register(protocol.ModuleAuth, authMgr.Handle)
	srv.Register(protocol.ModulePresence, presenceMgr.Handle)
	srv.Register(protocol.ModuleGame, gameMgr.Handle)
	srv.SetPermissionChecker(authMgr.PermissionChecker())

	srv.OnDisconnect(gameMgr.HandleDisconnect)
	srv.OnDisconnect(presenceMgr.HandleDisconnect)
	srv.OnDisconnect(authMgr.HandleDisconnect)

	srv.OnShutdown(gameMgr.Shutdown)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
