package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	routex "github.com/dctx-team/routex/internal"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*routex.OAuthSession
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*routex.OAuthSession)}
}

func (s *memStore) CreateSession(_ context.Context, sess *routex.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*routex.OAuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, routex.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) ListSessions(_ context.Context) ([]*routex.OAuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*routex.OAuthSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) UpdateSession(_ context.Context, sess *routex.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return routex.ErrNotFound
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok, nil
}

// tokenServer fakes a provider token endpoint. Each call hands out a new
// access token so refreshes are observable.
func tokenServer(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	calls := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-` + strings.Repeat("x", *calls) +
			`","refresh_token":"refresh-new","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func newTestManager(t *testing.T, tokenURL string) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	m := NewManager(store, map[string]ProviderConfig{
		"acme": {
			ClientID:    "cid",
			AuthURL:     "https://auth.example.com/authorize",
			TokenURL:    tokenURL,
			RedirectURL: "http://localhost/callback",
			Scopes:      []string{"inference"},
		},
	}, nil)
	return m, store
}

func TestAuthURL(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "https://auth.example.com/token")

	u, err := m.AuthURL("acme", "state-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"https://auth.example.com/authorize", "state=state-1", "client_id=cid"} {
		if !strings.Contains(u, want) {
			t.Errorf("url %q missing %q", u, want)
		}
	}

	if _, err := m.AuthURL("nope", "s"); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestExchangeCreatesSession(t *testing.T) {
	t.Parallel()
	srv, _ := tokenServer(t)
	m, store := newTestManager(t, srv.URL)

	s, err := m.Exchange(context.Background(), "acme", "the-code")
	if err != nil {
		t.Fatal(err)
	}
	if s.AccessToken == "" || s.RefreshToken != "refresh-new" {
		t.Errorf("session = %+v", s)
	}
	if s.ExpiresAt <= time.Now().UnixMilli() {
		t.Errorf("ExpiresAt = %d, want future", s.ExpiresAt)
	}
	if _, err := store.GetSession(context.Background(), s.ID); err != nil {
		t.Errorf("session not persisted: %v", err)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	t.Parallel()
	srv, calls := tokenServer(t)
	m, store := newTestManager(t, srv.URL)

	ctx := context.Background()
	store.CreateSession(ctx, &routex.OAuthSession{
		ID:           "s1",
		ChannelID:    "ch-1",
		Provider:     "acme",
		AccessToken:  "stale",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().UnixMilli() + 10_000, // inside the refresh skew
	})

	tok, err := m.AccessToken(ctx, "ch-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok == "stale" {
		t.Error("stale token returned, want refresh")
	}
	if *calls != 1 {
		t.Errorf("token endpoint calls = %d, want 1", *calls)
	}

	// The refreshed token is persisted; a fresh one is not re-refreshed.
	tok2, err := m.AccessToken(ctx, "ch-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok2 != tok {
		t.Errorf("second read = %q, want %q", tok2, tok)
	}
	if *calls != 1 {
		t.Errorf("token endpoint calls = %d after fresh read, want 1", *calls)
	}
}

func TestAccessTokenNoSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, "https://auth.example.com/token")

	tok, err := m.AccessToken(context.Background(), "unlinked")
	if err != nil || tok != "" {
		t.Errorf("AccessToken = %q, %v; want empty, nil", tok, err)
	}
}

func TestLinkChannel(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, "https://auth.example.com/token")

	ctx := context.Background()
	store.CreateSession(ctx, &routex.OAuthSession{ID: "s1", Provider: "acme", AccessToken: "a"})

	if _, err := m.LinkChannel(ctx, "s1", "ch-9"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetSession(ctx, "s1")
	if got.ChannelID != "ch-9" {
		t.Errorf("ChannelID = %q", got.ChannelID)
	}

	if _, err := m.LinkChannel(ctx, "missing", "ch"); err == nil {
		t.Fatal("missing session accepted")
	}
}
