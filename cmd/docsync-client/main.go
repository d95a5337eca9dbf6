// Command docsync-client opens a document against a collaboration server,
// caches it on disk, and appends each line read from stdin to it.
//
// Commands: ":open NAME" switches documents, ":hide" and ":show" report
// visibility changes, ":text" prints the document, ":set TEXT" replaces it,
// ":quit" exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alimasry/go-collab-sync/auth"
	"github.com/alimasry/go-collab-sync/config"
	"github.com/alimasry/go-collab-sync/lifecycle"
	"github.com/alimasry/go-collab-sync/mirror"
	"github.com/alimasry/go-collab-sync/session"
	"github.com/alimasry/go-collab-sync/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	docName := flag.String("doc", "scratch", "document to open")
	subject := flag.String("subject", "", "token subject (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *subject != "" {
		cfg.Client.Subject = *subject
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, *docName, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("client: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, name string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cacheDir := cfg.Client.CacheDir
	local, err := store.NewFileStore(cacheDir)
	if err != nil {
		return err
	}

	var cache mirror.Cache
	if cfg.Mirror.RedisURL != "" {
		rc, err := mirror.NewRedisCache(cfg.Mirror.RedisURL, cfg.Mirror.Prefix, cfg.Mirror.TTL)
		if err != nil {
			return err
		}
		defer rc.Close()
		cache = rc
	} else {
		cache = mirror.NewMemoryCache()
	}

	var tokens *auth.TokenManager
	if cfg.Client.TokenURL != "" {
		tokens = auth.NewTokenManager(&auth.HTTPSource{URL: cfg.Client.TokenURL, Subject: cfg.Client.Subject}, auth.ManagerOptions{
			MinRefreshInterval: time.Second,
			Logger:             logger,
		})
		if _, err := tokens.Refresh(ctx); err != nil {
			logger.Warn("client: initial token fetch failed", "error", err)
		}
	}

	mgr := session.NewManager(session.Options{
		ServerURL:        cfg.Client.ServerURL,
		Store:            local,
		Tokens:           tokens,
		Cache:            cache,
		OnEvent:          func(ev session.Event) { report(logger, ev) },
		IdleThreshold:    cfg.Client.IdleThreshold,
		ReadyWait:        cfg.Client.ReadyWait,
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		MinBackoff:       cfg.Client.MinBackoff,
		MaxBackoff:       cfg.Client.MaxBackoff,
		RetryCeiling:     cfg.Client.RetryCeiling,
		AuthRetryDelay:   cfg.Client.AuthRetryDelay,
		MirrorDebounce:   cfg.Mirror.Debounce,
		MirrorCeiling:    cfg.Mirror.Ceiling,
		DisposeGrace:     cfg.Client.DisposeGrace,
		CompactEvery:     cfg.Client.CompactEvery,
		Logger:           logger,
	})
	defer mgr.Close()

	s, err := mgr.Open(ctx, name)
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			next, quit, err := command(ctx, mgr, s, line, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
			s = next
		}
	}
}

// command handles one input line and returns the session to use next.
func command(ctx context.Context, mgr *session.Manager, s *session.Session, line string, out io.Writer) (*session.Session, bool, error) {
	s.Activity()
	switch {
	case line == ":quit":
		return s, true, nil
	case line == ":hide":
		s.SetVisibility(lifecycle.Hidden)
	case line == ":show":
		s.SetVisibility(lifecycle.Visible)
	case line == ":text":
		fmt.Fprint(out, s.Text())
	case strings.HasPrefix(line, ":set "):
		text := strings.TrimPrefix(line, ":set ") + "\n"
		if err := s.Replace(text); err != nil {
			return s, false, err
		}
	case strings.HasPrefix(line, ":open "):
		name := strings.TrimSpace(strings.TrimPrefix(line, ":open "))
		next, err := mgr.Open(ctx, name)
		if err != nil {
			return s, false, err
		}
		return next, false, nil
	default:
		if err := s.Append(line + "\n"); err != nil {
			return s, false, err
		}
	}
	return s, false, nil
}

func report(logger *slog.Logger, ev session.Event) {
	switch ev.Kind {
	case session.EventStorageWarning, session.EventConnectivityDegraded, session.EventDegraded:
		logger.Warn("client: "+ev.Kind.String(), "status", ev.Status, "error", ev.Err)
	case session.EventFatal:
		logger.Error("client: "+ev.Kind.String(), "error", ev.Err)
	default:
		logger.Info("client: "+ev.Kind.String(), "status", ev.Status, "ready", ev.State.Ready())
	}
}
