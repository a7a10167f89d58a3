package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TACC/imageInf/internal/auth"
	"github.com/TACC/imageInf/internal/logging"
	"github.com/TACC/imageInf/internal/session"
	"github.com/TACC/imageInf/pkg/protocol"
)

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleStatus reports whether the inference service for this host is up.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cl := s.clientFor(r)
	if err := cl.Status(r.Context()); err != nil {
		logging.WithContext(r.Context()).Warn("inference service unavailable", zap.Error(err))
		s.sendJSON(w, http.StatusBadGateway, map[string]string{"status": "unavailable", "apiBasePath": cl.APIBasePath()})
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "apiBasePath": cl.APIBasePath()})
}

// ─── Login ──────────────────────────────────────────────────────────────────

// handleAuthLogin sends the browser to the Tapis authorize page.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	ctx := r.Context()

	// Tapis does not echo state back; it is kept for audit only.
	if err := sess.Set(ctx, session.KeyOAuthState, auth.NewState()); err != nil {
		logging.WithContext(ctx).Error("failed to store oauth state", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	if err := sess.Set(ctx, session.KeyReturnTo, auth.SafeReturnTo(r.URL.Query().Get("return_to"))); err != nil {
		logging.WithContext(ctx).Warn("failed to store return path", zap.Error(err))
	}

	env := s.cfg.EnvFor(r.Host)
	target := auth.AuthorizeURL(s.cfg.IdentityHost, env.ClientID, auth.RedirectURI(s.origin(r)))
	http.Redirect(w, r, target, http.StatusFound)
}

// handleAuthCallback stores the token handed back by the identity service.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	ctx := r.Context()
	log := logging.WithContext(ctx)

	token, expiresAt, err := auth.ParseCallback(r.URL.Query(), time.Now())
	if err != nil {
		log.Warn("login callback without token", zap.Error(err))
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if err := sess.SetToken(ctx, token, expiresAt); err != nil {
		log.Error("failed to store token", zap.Error(err))
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	returnTo, _, _ := sess.Get(ctx, session.KeyReturnTo)
	if err := sess.Delete(ctx, session.KeyOAuthState, session.KeyReturnTo); err != nil {
		log.Warn("failed to clear login state", zap.Error(err))
	}
	s.tokens.Invalidate(sess.ID)

	log.Info("login completed", zap.Time("expires_at", expiresAt))
	http.Redirect(w, r, auth.SafeReturnTo(returnTo), http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if err := sess.Clear(r.Context()); err != nil {
		logging.WithContext(r.Context()).Warn("failed to clear session", zap.Error(err))
	}
	s.tokens.Invalidate(sess.ID)
	s.dropDemo(sess.ID)
	http.Redirect(w, r, "/login", http.StatusFound)
}

// ─── Token ──────────────────────────────────────────────────────────────────

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	env := s.cfg.EnvFor(r.Host)
	s.sendJSON(w, http.StatusOK, protocol.ConfigResponse{
		Environment:  string(s.cfg.EnvironmentFor(r.Host)),
		ClientID:     env.ClientID,
		APIBasePath:  env.APIBasePath,
		IdentityHost: s.cfg.IdentityHost,
		BridgeOrigin: s.cfg.BridgeOrigin,
	})
}

// handleToken always answers 200; an unusable token is reported through
// isValid so the web app can show the login page.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.token(r))
}

// handleTokenRefresh re-validates the token now instead of waiting for the
// staleness window.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	s.tokens.Invalidate(sessionID(r))
	s.sendJSON(w, http.StatusOK, s.token(r))
}
