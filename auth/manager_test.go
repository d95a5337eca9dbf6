package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_RefreshSingleFlight(t *testing.T) {
	iss := NewIssuer(testKey, time.Hour)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	src := SourceFunc(func(ctx context.Context) (Token, error) {
		started <- struct{}{}
		<-release
		return iss.Issue("alice")
	})
	m := NewTokenManager(src, ManagerOptions{})

	const n = 20
	var wg sync.WaitGroup
	results := make([]Token, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = m.Refresh(context.Background())
	}()
	<-started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}(i)
	}
	// Let the followers join the in-flight call before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, m.Fetches())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Raw, results[i].Raw)
	}
	assert.Equal(t, results[0].Raw, m.Current().Raw)
}

func TestTokenManager_RefreshErrorShared(t *testing.T) {
	boom := errors.New("issuer down")
	m := NewTokenManager(SourceFunc(func(context.Context) (Token, error) {
		return Token{}, boom
	}), ManagerOptions{Initial: "old"})

	_, err := m.Refresh(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "old", m.Current().Raw, "failed refresh keeps the previous token")
}

func TestTokenManager_CallerContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := NewTokenManager(SourceFunc(func(context.Context) (Token, error) {
		<-release
		return Token{Raw: "late"}, nil
	}), ManagerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Refresh(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenManager_RateLimited(t *testing.T) {
	m := NewTokenManager(SourceFunc(func(context.Context) (Token, error) {
		return Token{Raw: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}), ManagerOptions{MinRefreshInterval: 100 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := m.Refresh(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	assert.EqualValues(t, 3, m.Fetches())
}

func TestTokenManager_SetDecodesExpiry(t *testing.T) {
	tok, err := NewIssuer(testKey, time.Hour).Issue("alice")
	require.NoError(t, err)

	m := NewTokenManager(SourceFunc(func(context.Context) (Token, error) { return Token{}, nil }), ManagerOptions{})
	assert.Empty(t, m.Raw())

	m.Set(tok.Raw)
	assert.False(t, IsExpired(m.Current(), time.Now()))

	m.Set("opaque")
	assert.Equal(t, "opaque", m.Raw())
	assert.True(t, IsExpired(m.Current(), time.Now()))
}

func TestHTTPSource(t *testing.T) {
	iss := NewIssuer(testKey, time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		tok, err := iss.Issue(req.Subject)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(tok)
	}))
	defer srv.Close()

	tok, err := (&HTTPSource{URL: srv.URL, Subject: "carol"}).Fetch(context.Background())
	require.NoError(t, err)
	claims, err := NewVerifier(testKey).Verify(tok.Raw)
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.Subject)

	_, err = (&HTTPSource{URL: srv.URL}).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
