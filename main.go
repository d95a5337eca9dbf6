package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	_ "github.com/lib/pq"

	"github.com/alimasry/go-collab-sync/auth"
	"github.com/alimasry/go-collab-sync/config"
	"github.com/alimasry/go-collab-sync/server"
	"github.com/alimasry/go-collab-sync/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backing, closeBacking, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeBacking()
	docs := store.NewCachedStore(backing, cfg.Server.FlushInterval, logger)
	defer docs.Close()

	hub := server.NewHub(docs, server.HubOptions{CompactEvery: cfg.Server.CompactEvery, Logger: logger})
	defer hub.Close()

	opts := server.HandlerOptions{Logger: logger}
	if cfg.Auth.SigningKey != "" {
		key := []byte(cfg.Auth.SigningKey)
		opts.Verifier = auth.NewVerifier(key)
		if cfg.Auth.IssueTokens {
			opts.Issuer = auth.NewIssuer(key, cfg.Auth.TokenTTL)
		}
	} else {
		logger.Warn("server: no signing key configured, accepting anonymous connections")
	}

	srv := &http.Server{Addr: cfg.Server.Address, Handler: server.NewHandler(hub, opts)}
	errc := make(chan error, 1)
	go func() {
		logger.Info("server: listening", "addr", cfg.Server.Address, "store", cfg.Store.Backend)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.DocumentStore, func(), error) {
	switch cfg.Backend {
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to firestore: %w", err)
		}
		return store.NewFirestoreStore(client), func() { client.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return pg, func() { db.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}
