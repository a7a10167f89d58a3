// Package session holds per-user key/value state for the demo: the cached
// Tapis token and the OAuth round-trip values.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Well-known session keys.
const (
	KeyAccessToken = "access_token"
	KeyExpiresAt   = "expires_at" // milliseconds since the Unix epoch
	KeyOAuthState  = "oauth_state"
	KeyReturnTo    = "oauth_return_to"
)

// Store is a session backend. Values are plain strings scoped by session id.
type Store interface {
	Get(ctx context.Context, id, key string) (string, bool, error)
	Set(ctx context.Context, id, key, value string) error
	Delete(ctx context.Context, id string, keys ...string) error
	Clear(ctx context.Context, id string) error
}

// Purger is implemented by stores that need expired sessions removed
// periodically.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// StoredToken is the token cached in a session.
type StoredToken struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the stored expiry is not after now.
func (t StoredToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Session binds a Store to one session id.
type Session struct {
	ID    string
	store Store
}

// New returns the session id within store.
func New(store Store, id string) *Session {
	return &Session{ID: id, store: store}
}

func (s *Session) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.Get(ctx, s.ID, key)
}

func (s *Session) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, s.ID, key, value)
}

func (s *Session) Delete(ctx context.Context, keys ...string) error {
	return s.store.Delete(ctx, s.ID, keys...)
}

// Clear removes every value of the session.
func (s *Session) Clear(ctx context.Context) error {
	return s.store.Clear(ctx, s.ID)
}

// Token returns the cached token. ok is false when either key is missing or
// the expiry cannot be parsed.
func (s *Session) Token(ctx context.Context) (StoredToken, bool, error) {
	tok, ok, err := s.Get(ctx, KeyAccessToken)
	if err != nil || !ok || tok == "" {
		return StoredToken{}, false, err
	}
	raw, ok, err := s.Get(ctx, KeyExpiresAt)
	if err != nil || !ok {
		return StoredToken{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return StoredToken{}, false, nil
	}
	return StoredToken{Token: tok, ExpiresAt: time.UnixMilli(ms)}, true, nil
}

// SetToken caches a token and its expiry.
func (s *Session) SetToken(ctx context.Context, token string, expiresAt time.Time) error {
	if err := s.Set(ctx, KeyAccessToken, token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if err := s.Set(ctx, KeyExpiresAt, strconv.FormatInt(expiresAt.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("store token expiry: %w", err)
	}
	return nil
}

// ClearToken removes the cached token and its expiry.
func (s *Session) ClearToken(ctx context.Context) error {
	return s.Delete(ctx, KeyAccessToken, KeyExpiresAt)
}
