// Package oauth manages OAuth sessions for channels that authenticate
// with bearer tokens instead of static API keys.
package oauth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/storage"
)

// refreshSkew is how long before expiry a token is refreshed.
const refreshSkew = 60 * time.Second

// ProviderConfig describes one OAuth provider endpoint.
type ProviderConfig struct {
	ClientID     string   `json:"clientId" yaml:"clientId"`
	ClientSecret string   `json:"clientSecret" yaml:"clientSecret"`
	AuthURL      string   `json:"authUrl" yaml:"authUrl"`
	TokenURL     string   `json:"tokenUrl" yaml:"tokenUrl"`
	RedirectURL  string   `json:"redirectUrl" yaml:"redirectUrl"`
	Scopes       []string `json:"scopes" yaml:"scopes"`
}

// Manager drives the authorization-code flow and keeps persisted
// sessions fresh.
type Manager struct {
	store   storage.OAuthStore
	configs map[string]*oauth2.Config
	log     *slog.Logger

	// mu serializes refreshes so concurrent requests on the same session
	// do not race the single-use refresh token.
	mu sync.Mutex

	now func() time.Time
}

// NewManager builds a Manager from the configured providers.
func NewManager(store storage.OAuthStore, providers map[string]ProviderConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	configs := make(map[string]*oauth2.Config, len(providers))
	for name, p := range providers {
		configs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       p.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
		}
	}
	return &Manager{store: store, configs: configs, log: log, now: time.Now}
}

// Providers lists the configured provider names.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.configs))
	for n := range m.configs {
		names = append(names, n)
	}
	return names
}

// AuthURL returns the provider's authorization URL for the given state.
func (m *Manager) AuthURL(provider, state string) (string, error) {
	cfg, ok := m.configs[provider]
	if !ok {
		return "", routex.E(routex.KindValidation, "unknown oauth provider: %s", provider)
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for tokens and persists the
// resulting session.
func (m *Manager) Exchange(ctx context.Context, provider, code string) (*routex.OAuthSession, error) {
	cfg, ok := m.configs[provider]
	if !ok {
		return nil, routex.E(routex.KindValidation, "unknown oauth provider: %s", provider)
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, routex.Wrap(routex.KindAuthentication, err, "oauth code exchange failed")
	}

	now := m.now().UnixMilli()
	s := &routex.OAuthSession{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UnixMilli(),
		Scopes:       cfg.Scopes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	m.log.Info("oauth session created", "session", s.ID, "provider", provider)
	return s, nil
}

// Refresh exchanges the session's refresh token for a fresh access
// token and persists the update.
func (m *Manager) Refresh(ctx context.Context, id string) (*routex.OAuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.refreshLocked(ctx, s)
}

func (m *Manager) refreshLocked(ctx context.Context, s *routex.OAuthSession) (*routex.OAuthSession, error) {
	cfg, ok := m.configs[s.Provider]
	if !ok {
		return nil, routex.E(routex.KindConfiguration, "session %s references unconfigured provider %s", s.ID, s.Provider)
	}
	if s.RefreshToken == "" {
		return nil, routex.E(routex.KindAuthentication, "session %s has no refresh token", s.ID).NotRetriable()
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: s.RefreshToken}).Token()
	if err != nil {
		return nil, routex.Wrap(routex.KindAuthentication, err, "oauth token refresh failed")
	}

	s.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.RefreshToken = tok.RefreshToken
	}
	s.ExpiresAt = tok.Expiry.UnixMilli()
	s.UpdatedAt = m.now().UnixMilli()
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	m.log.Info("oauth session refreshed", "session", s.ID, "provider", s.Provider)
	return s, nil
}

// AccessToken returns a valid bearer token for the channel, refreshing
// the linked session when it is within refreshSkew of expiry. Channels
// without a linked session return an empty token and no error; the
// caller falls back to the channel's static API key.
func (m *Manager) AccessToken(ctx context.Context, channelID string) (string, error) {
	if channelID == "" {
		return "", nil
	}
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	var match *routex.OAuthSession
	for _, s := range sessions {
		if s.ChannelID == channelID {
			match = s
			break
		}
	}
	if match == nil {
		return "", nil
	}

	if match.ExpiresAt > 0 && m.now().UnixMilli() >= match.ExpiresAt-refreshSkew.Milliseconds() {
		m.mu.Lock()
		refreshed, err := m.refreshLocked(ctx, match)
		m.mu.Unlock()
		if err != nil {
			return "", err
		}
		match = refreshed
	}
	return match.AccessToken, nil
}

// LinkChannel binds a session to a channel so proxy traffic on that
// channel uses the session's tokens.
func (m *Manager) LinkChannel(ctx context.Context, sessionID, channelID string) (*routex.OAuthSession, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.ChannelID = channelID
	s.UpdatedAt = m.now().UnixMilli()
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Sessions lists all persisted sessions.
func (m *Manager) Sessions(ctx context.Context) ([]*routex.OAuthSession, error) {
	return m.store.ListSessions(ctx)
}

// DeleteSession removes a session; it reports whether one existed.
func (m *Manager) DeleteSession(ctx context.Context, id string) (bool, error) {
	return m.store.DeleteSession(ctx, id)
}
