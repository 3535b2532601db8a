package tokenx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(t *testing.T, url string) *Cache {
	t.Helper()
	cache, err := New(Config{
		TokenURL:     url,
		ClientID:     "client",
		ClientSecret: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	return cache
}

func tokenServer(t *testing.T, exchanges *atomic.Int64, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":%d}`, n, expiresIn)
	}))
}

func TestTokenCachesUntilExpiry(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges, 3600)
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	now := time.Now()
	cache.now = func() time.Time { return now }

	tok1, err := cache.Token(context.Background(), []string{"density:read"}, "aud")
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := cache.Token(context.Background(), []string{"density:read"}, "aud")
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != tok2 {
		t.Fatalf("expected cached token, got %q then %q", tok1, tok2)
	}
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("expected 1 exchange, got %d", got)
	}

	// Past the skewed expiry a fresh exchange happens.
	now = now.Add(3600 * time.Second)
	tok3, err := cache.Token(context.Background(), []string{"density:read"}, "aud")
	if err != nil {
		t.Fatal(err)
	}
	if tok3 == tok1 {
		t.Fatal("expected a new token after expiry")
	}
	if got := exchanges.Load(); got != 2 {
		t.Fatalf("expected 2 exchanges, got %d", got)
	}
}

func TestTokenScopeOrderIrrelevant(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges, 3600)
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	if _, err := cache.Token(context.Background(), []string{"b", "a"}, "aud"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Token(context.Background(), []string{"a", "b"}, "aud"); err != nil {
		t.Fatal(err)
	}
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("scope order caused %d exchanges", got)
	}
}

func TestTokenCoalescesConcurrentExchanges(t *testing.T) {
	var exchanges atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	cache := newTestCache(t, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Token(context.Background(), []string{"s"}, "aud"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("expected 1 coalesced exchange, got %d", got)
	}
}

func TestTokenFailureSurfacesAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad client", http.StatusBadRequest)
	}))
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	_, err := cache.Token(context.Background(), []string{"s"}, "aud")
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %T: %v", err, err)
	}
	if authErr.Status != http.StatusBadRequest {
		t.Fatalf("status = %d", authErr.Status)
	}

	// A failure must not poison the cache.
	var exchanges atomic.Int64
	ok := tokenServer(t, &exchanges, 3600)
	defer ok.Close()
	cache.cfg.TokenURL = ok.URL
	if _, err := cache.Token(context.Background(), []string{"s"}, "aud"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestTokenDefaultLifetimeWhenOmitted(t *testing.T) {
	var exchanges atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer"}`)
	}))
	defer srv.Close()

	cache := newTestCache(t, srv.URL)
	now := time.Now()
	cache.now = func() time.Time { return now }

	if _, err := cache.Token(context.Background(), nil, ""); err != nil {
		t.Fatal(err)
	}
	now = now.Add(4 * time.Minute)
	if _, err := cache.Token(context.Background(), nil, ""); err != nil {
		t.Fatal(err)
	}
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("token should still be cached inside the default lifetime, got %d exchanges", got)
	}
	now = now.Add(2 * time.Minute)
	if _, err := cache.Token(context.Background(), nil, ""); err != nil {
		t.Fatal(err)
	}
	if got := exchanges.Load(); got != 2 {
		t.Fatalf("expected refresh after default lifetime, got %d exchanges", got)
	}
}
