package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TACC/imageInf/internal/logging"
	"github.com/TACC/imageInf/internal/metrics"
	"github.com/TACC/imageInf/internal/session"
	"github.com/TACC/imageInf/pkg/client"
	"github.com/TACC/imageInf/pkg/models"
)

// Failure is why a token was not accepted. It is only logged and counted;
// callers see the collapsed TokenInfo.
type Failure string

const (
	FailureNone     Failure = ""
	FailureNoToken  Failure = "no_token"
	FailureDecode   Failure = "decode"
	FailureIssuer   Failure = "issuer"
	FailureExpired  Failure = "expired"
	FailureRejected Failure = "rejected"
	FailureNetwork  Failure = "network"
	FailureStorage  Failure = "storage"
)

// TapisClient is the subset of the Tapis client the provider calls.
type TapisClient interface {
	UserInfo(ctx context.Context, tapisHost, token string) error
	FetchBridgeToken(ctx context.Context, origin string, cookies []*http.Cookie) (string, error)
}

// Bridge identifies a hosting portal that can hand over its user's token.
type Bridge struct {
	Origin  string
	Cookies []*http.Cookie
}

type cachedInfo struct {
	info    models.TokenInfo
	at      time.Time
	expires time.Time // zero for invalid results
}

// Provider resolves the token for a session.
type Provider struct {
	tapis     TapisClient
	staleTime time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cached map[string]cachedInfo
}

// NewProvider creates a provider. Results are reused per session for
// staleTime; zero disables reuse.
func NewProvider(tapis TapisClient, staleTime time.Duration) *Provider {
	return &Provider{
		tapis:     tapis,
		staleTime: staleTime,
		now:       time.Now,
		cached:    make(map[string]cachedInfo),
	}
}

// GetToken returns the session's current token. When bridge is non-nil the
// portal is asked first; otherwise, or when that fails, the token cached in
// the session is validated. Every failure yields models.Invalid(fallbackHost).
func (p *Provider) GetToken(ctx context.Context, sess *session.Session, fallbackHost string, bridge *Bridge) models.TokenInfo {
	if info, ok := p.fresh(sess.ID); ok {
		return info
	}
	info, expires := p.resolve(ctx, sess, fallbackHost, bridge)
	p.store(sess.ID, info, expires)
	return info
}

// Invalidate drops the reuse window for a session so the next GetToken
// validates again.
func (p *Provider) Invalidate(sessionID string) {
	p.mu.Lock()
	delete(p.cached, sessionID)
	p.mu.Unlock()
}

// Cleanup drops reuse entries older than the staleness window or past
// their token's expiry.
func (p *Provider) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for id, c := range p.cached {
		if now.Sub(c.at) >= p.staleTime || (!c.expires.IsZero() && !now.Before(c.expires)) {
			delete(p.cached, id)
		}
	}
}

func (p *Provider) fresh(id string) (models.TokenInfo, bool) {
	if p.staleTime <= 0 {
		return models.TokenInfo{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cached[id]
	if !ok {
		return models.TokenInfo{}, false
	}
	now := p.now()
	if now.Sub(c.at) >= p.staleTime || (!c.expires.IsZero() && !now.Before(c.expires)) {
		delete(p.cached, id)
		return models.TokenInfo{}, false
	}
	return c.info, true
}

func (p *Provider) store(id string, info models.TokenInfo, expires time.Time) {
	if p.staleTime <= 0 {
		return
	}
	p.mu.Lock()
	p.cached[id] = cachedInfo{info: info, at: p.now(), expires: expires}
	p.mu.Unlock()
}

// resolve returns the token info and, for a valid token, the expiry that was
// written to the session. A reused result never outlives that expiry.
func (p *Provider) resolve(ctx context.Context, sess *session.Session, fallbackHost string, bridge *Bridge) (models.TokenInfo, time.Time) {
	log := logging.WithContext(ctx).With(zap.String("session", sess.ID))

	if bridge != nil && bridge.Origin != "" {
		info, expiry, failure := p.fromBridge(ctx, bridge)
		metrics.RecordTokenCheck("bridge", result(failure))
		if failure == FailureNone {
			if err := sess.SetToken(ctx, info.Token, expiry); err != nil {
				log.Warn("failed to cache bridge token", zap.Error(err))
			}
			return info, expiry
		}
		log.Debug("bridge token unavailable", zap.String("reason", string(failure)))
	}

	stored, ok, err := sess.Token(ctx)
	if err != nil {
		log.Error("session read failed", zap.Error(err))
		metrics.RecordTokenCheck("session", string(FailureStorage))
		return models.Invalid(fallbackHost), time.Time{}
	}
	if !ok {
		metrics.RecordTokenCheck("session", string(FailureNoToken))
		return models.Invalid(fallbackHost), time.Time{}
	}
	if stored.Expired(p.now()) {
		metrics.RecordTokenCheck("session", string(FailureExpired))
		p.clear(ctx, sess, log)
		return models.Invalid(fallbackHost), time.Time{}
	}

	info, claims, failure := p.validate(ctx, stored.Token)
	metrics.RecordTokenCheck("session", result(failure))
	switch failure {
	case FailureNone:
		expiry := claimedExpiry(claims, stored.ExpiresAt)
		if err := sess.SetToken(ctx, info.Token, expiry); err != nil {
			log.Warn("failed to refresh cached token", zap.Error(err))
		}
		return info, expiry
	case FailureExpired, FailureRejected, FailureDecode, FailureIssuer:
		log.Info("cached token rejected", zap.String("reason", string(failure)))
		p.clear(ctx, sess, log)
	default:
		log.Warn("token validation failed", zap.String("reason", string(failure)))
	}
	return models.Invalid(fallbackHost), time.Time{}
}

func (p *Provider) fromBridge(ctx context.Context, bridge *Bridge) (models.TokenInfo, time.Time, Failure) {
	token, err := p.tapis.FetchBridgeToken(ctx, bridge.Origin, bridge.Cookies)
	if err != nil {
		return models.TokenInfo{}, time.Time{}, FailureNetwork
	}
	if token == "" {
		return models.TokenInfo{}, time.Time{}, FailureNoToken
	}
	info, claims, failure := p.validate(ctx, token)
	if failure != FailureNone {
		return models.TokenInfo{}, time.Time{}, failure
	}
	return info, claims.Expiry(p.now()), FailureNone
}

// validate decodes token, checks exp and asks the issuer's userinfo endpoint.
func (p *Provider) validate(ctx context.Context, token string) (models.TokenInfo, *Claims, Failure) {
	claims, err := DecodeToken(token)
	if err != nil {
		return models.TokenInfo{}, nil, FailureDecode
	}
	host, err := HostFromIssuer(claims.Issuer)
	if err != nil {
		return models.TokenInfo{}, nil, FailureIssuer
	}
	if claims.Expired(p.now()) {
		return models.TokenInfo{}, nil, FailureExpired
	}
	if err := p.tapis.UserInfo(ctx, host, token); err != nil {
		if _, ok := client.AsAPIError(err); ok {
			return models.TokenInfo{}, nil, FailureRejected
		}
		return models.TokenInfo{}, nil, FailureNetwork
	}
	return models.TokenInfo{Token: token, TapisHost: host, IsValid: true}, claims, FailureNone
}

func (p *Provider) clear(ctx context.Context, sess *session.Session, log *zap.Logger) {
	if err := sess.ClearToken(ctx); err != nil {
		log.Warn("failed to clear cached token", zap.Error(err))
	}
}

func claimedExpiry(c *Claims, fallback time.Time) time.Time {
	if c != nil && c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	return fallback
}

func result(f Failure) string {
	if f == FailureNone {
		return "valid"
	}
	return string(f)
}
