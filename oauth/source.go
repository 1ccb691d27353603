package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// X OAuth 2.0 endpoints.
var XEndpoint = oauth2.Endpoint{
	AuthURL:   "https://twitter.com/i/oauth2/authorize",
	TokenURL:  "https://api.twitter.com/2/oauth2/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// refreshMargin renews a token this long before it expires.
const refreshMargin = time.Minute

// TokenSource is an oauth2.TokenSource backed by Store. Rotated tokens are saved before they
// are handed out.
type TokenSource struct {
	cfg      *oauth2.Config
	store    *Store
	provider string
	ctx      context.Context

	mu sync.Mutex
}

// NewTokenSource returns a source for provider. ctx carries the HTTP client used for refresh
// calls (see oauth2.HTTPClient) and bounds them.
func NewTokenSource(ctx context.Context, cfg *oauth2.Config, store *Store, provider string) *TokenSource {
	return &TokenSource{cfg: cfg, store: store, provider: provider, ctx: ctx}
}

// Token returns a usable access token, refreshing it when it is about to expire.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.store.Load(s.provider)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != "" && (tok.Expiry.IsZero() || time.Until(tok.Expiry) > refreshMargin) {
		return tok, nil
	}
	return s.refreshLocked(s.ctx, tok)
}

// Refresh renews the token now.
func (s *TokenSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.store.Load(s.provider)
	if err != nil {
		return err
	}
	_, err = s.refreshLocked(ctx, tok)
	return err
}

// Expiry returns the stored expiry and whether the token can be refreshed at all.
func (s *TokenSource) Expiry() (time.Time, bool) {
	tok, err := s.store.Load(s.provider)
	if err != nil {
		return time.Time{}, false
	}
	return tok.Expiry, tok.RefreshToken != ""
}

func (s *TokenSource) refreshLocked(ctx context.Context, cur *oauth2.Token) (*oauth2.Token, error) {
	if cur.RefreshToken == "" {
		if cur.AccessToken != "" {
			return cur, nil
		}
		return nil, errors.New("oauth: token expired and no refresh token stored")
	}
	fresh, err := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cur.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh %s token: %w", s.provider, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cur.RefreshToken
	}
	if err := s.store.Save(s.provider, fresh); err != nil {
		return nil, err
	}
	slog.Info("token refreshed", slog.String("provider", s.provider), slog.Time("expires_at", fresh.Expiry))
	return fresh, nil
}
