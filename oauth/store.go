// Package oauth keeps the X OAuth 2.0 user token alive. X rotates the refresh token on every
// refresh, so each rotation is written back to the "oauth" namespace of the key-value store,
// sealed with crypto when an encryption key is configured. A jittered background refresher
// renews the access token before it expires.
package oauth

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/discord-relay/crypto"
	"github.com/onnwee/discord-relay/kvstore"
)

// Namespace is the document name of the token store.
const Namespace = "oauth"

// ProviderX is the key under which the X token is kept.
const ProviderX = "x"

// ErrNoToken is returned when nothing is stored for a provider.
var ErrNoToken = errors.New("oauth: no token stored")

// Record is the on-disk form of one provider's token.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expires_at,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Encrypted    bool      `json:"encrypted,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store reads and writes provider tokens. A nil encryptor stores them in plaintext.
type Store struct {
	kv  *kvstore.Store[Record]
	enc crypto.Encryptor
}

// NewStore wraps an opened "oauth" namespace.
func NewStore(kv *kvstore.Store[Record], enc crypto.Encryptor) *Store {
	return &Store{kv: kv, enc: enc}
}

func label(provider, field string) string { return "oauth/" + provider + "/" + field }

// Load returns the stored token for provider.
func (s *Store) Load(provider string) (*oauth2.Token, error) {
	rec, ok := s.kv.Get(provider)
	if !ok {
		return nil, ErrNoToken
	}
	access, refresh := rec.AccessToken, rec.RefreshToken
	if rec.Encrypted {
		if s.enc == nil {
			return nil, fmt.Errorf("oauth: token for %s is encrypted but no key is configured", provider)
		}
		var err error
		if access, err = crypto.DecryptString(s.enc, access, label(provider, "access")); err != nil {
			return nil, fmt.Errorf("oauth: decrypt access token: %w", err)
		}
		if refresh, err = crypto.DecryptString(s.enc, refresh, label(provider, "refresh")); err != nil {
			return nil, fmt.Errorf("oauth: decrypt refresh token: %w", err)
		}
	}
	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    rec.TokenType,
		Expiry:       rec.Expiry,
	}
	if rec.Scope != "" {
		tok = tok.WithExtra(map[string]any{"scope": rec.Scope})
	}
	return tok, nil
}

// Save stores tok for provider and schedules a write-back.
func (s *Store) Save(provider string, tok *oauth2.Token) error {
	if tok == nil || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return errors.New("oauth: refusing to store empty token")
	}
	rec := Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry.UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		rec.Scope = scope
	}
	if s.enc != nil {
		var err error
		if rec.AccessToken, err = crypto.EncryptString(s.enc, tok.AccessToken, label(provider, "access")); err != nil {
			return fmt.Errorf("oauth: encrypt access token: %w", err)
		}
		if rec.RefreshToken, err = crypto.EncryptString(s.enc, tok.RefreshToken, label(provider, "refresh")); err != nil {
			return fmt.Errorf("oauth: encrypt refresh token: %w", err)
		}
		rec.Encrypted = true
	}
	s.kv.Set(provider, rec)
	s.kv.RequestPersist()
	return nil
}

// Seed stores the given tokens only when nothing is stored yet and reports whether it did.
// A seeded refresh token is marked expired so the first use rotates it.
func (s *Store) Seed(provider, access, refresh string) (bool, error) {
	if _, ok := s.kv.Get(provider); ok {
		return false, nil
	}
	if access == "" && refresh == "" {
		return false, nil
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}
	if refresh != "" {
		tok.Expiry = time.Now().Add(-time.Second)
	}
	if err := s.Save(provider, tok); err != nil {
		return false, err
	}
	return true, nil
}

// Has reports whether a token is stored for provider.
func (s *Store) Has(provider string) bool {
	_, ok := s.kv.Get(provider)
	return ok
}

// Providers returns every stored provider in sorted order.
func (s *Store) Providers() []string { return s.kv.Keys() }

// Encrypted reports whether the record for provider is sealed.
func (s *Store) Encrypted(provider string) bool {
	rec, ok := s.kv.Get(provider)
	return ok && rec.Encrypted
}

// Reseal rewrites a plaintext record with the store's encryptor and reports whether it did.
func (s *Store) Reseal(provider string) (bool, error) {
	if s.enc == nil {
		return false, errors.New("oauth: no encryption key configured")
	}
	if !s.Has(provider) {
		return false, ErrNoToken
	}
	if s.Encrypted(provider) {
		return false, nil
	}
	tok, err := s.Load(provider)
	if err != nil {
		return false, err
	}
	if err := s.Save(provider, tok); err != nil {
		return false, err
	}
	return true, nil
}

// KV exposes the backing namespace (shutdown flushes it).
func (s *Store) KV() *kvstore.Store[Record] { return s.kv }
