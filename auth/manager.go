package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Source fetches a fresh token from the issuing endpoint.
type Source interface {
	Fetch(ctx context.Context) (Token, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Token, error)

func (f SourceFunc) Fetch(ctx context.Context) (Token, error) { return f(ctx) }

// HTTPSource requests tokens from the server's token endpoint.
type HTTPSource struct {
	URL     string
	Subject string
	Client  *http.Client
}

type tokenRequest struct {
	Subject string `json:"subject"`
}

func (s *HTTPSource) Fetch(ctx context.Context) (Token, error) {
	body, err := json.Marshal(tokenRequest{Subject: s.Subject})
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("requesting token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Token{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tok.Raw == "" {
		return Token{}, ErrNoToken
	}
	return tok, nil
}

// ManagerOptions configures a TokenManager.
type ManagerOptions struct {
	// Initial is the token known before the first refresh.
	Initial string
	// MinRefreshInterval spaces out fetches. Zero disables the limit.
	MinRefreshInterval time.Duration
	// FetchTimeout bounds one fetch. Defaults to 10s.
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// TokenManager holds the current token and refreshes it on demand. It is
// safe to share between sessions.
type TokenManager struct {
	source  Source
	group   singleflight.Group
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
	fetches atomic.Int64

	mu      sync.RWMutex
	current Token
}

// NewTokenManager creates a manager backed by source.
func NewTokenManager(source Source, opts ManagerOptions) *TokenManager {
	limit := rate.Inf
	if opts.MinRefreshInterval > 0 {
		limit = rate.Every(opts.MinRefreshInterval)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &TokenManager{
		source:  source,
		limiter: rate.NewLimiter(limit, 1),
		timeout: opts.FetchTimeout,
		logger:  opts.Logger,
	}
	if opts.Initial != "" {
		m.Set(opts.Initial)
	}
	return m
}

// Current returns the last known token. Its Raw is empty before the first
// successful refresh when no initial token was given.
func (m *TokenManager) Current() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Raw returns the current raw token.
func (m *TokenManager) Raw() string { return m.Current().Raw }

// Set replaces the current token. An undecodable token is kept with a zero
// expiry so it counts as expired.
func (m *TokenManager) Set(raw string) {
	tok, err := Decode(raw)
	if err != nil {
		tok = Token{Raw: raw}
	}
	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()
}

// Refresh fetches a new token. Concurrent callers share one fetch and all
// receive its result. A caller whose ctx ends stops waiting but does not
// cancel the shared fetch.
func (m *TokenManager) Refresh(ctx context.Context) (Token, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		if err := m.limiter.Wait(fetchCtx); err != nil {
			return Token{}, fmt.Errorf("waiting to refresh: %w", err)
		}
		m.fetches.Add(1)
		tok, err := m.source.Fetch(fetchCtx)
		if err != nil {
			m.logger.Warn("auth: token refresh failed", "error", err)
			return Token{}, err
		}
		if tok.ExpiresAt.IsZero() {
			if decoded, err := Decode(tok.Raw); err == nil {
				tok.ExpiresAt = decoded.ExpiresAt
			}
		}
		m.mu.Lock()
		m.current = tok
		m.mu.Unlock()
		m.logger.Debug("auth: token refreshed", "expires_at", tok.ExpiresAt)
		return tok, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Fetches returns how many fetches have reached the source.
func (m *TokenManager) Fetches() int64 { return m.fetches.Load() }
