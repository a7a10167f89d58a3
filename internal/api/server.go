// Package api provides the demo HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TACC/imageInf/internal/auth"
	"github.com/TACC/imageInf/internal/config"
	"github.com/TACC/imageInf/internal/gallery"
	"github.com/TACC/imageInf/internal/logging"
	"github.com/TACC/imageInf/internal/metrics"
	"github.com/TACC/imageInf/internal/quota"
	"github.com/TACC/imageInf/internal/session"
	"github.com/TACC/imageInf/pkg/client"
	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
	"github.com/TACC/imageInf/webapp"
)

// SessionCookie names the cookie carrying the session id.
const SessionCookie = "imageinf_session"

// EmbeddedHeader is sent by the web app when it runs inside a portal frame.
const EmbeddedHeader = "X-Embedded"

// DefaultSubmitTimeout bounds one background demo submission.
const DefaultSubmitTimeout = 2 * time.Minute

type ctxKey int

const sessionKey ctxKey = iota

// Clients hands out one inference client per API base path. All of them
// share the base configuration, including the content cache.
type Clients struct {
	base client.Config

	mu     sync.Mutex
	byPath map[string]*client.Client
}

// NewClients creates a client set over base. base.APIBasePath is ignored.
func NewClients(base client.Config) *Clients {
	return &Clients{base: base, byPath: make(map[string]*client.Client)}
}

// For returns the client for env.
func (c *Clients) For(env config.EnvConfig) *client.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.byPath[env.APIBasePath]; ok {
		return cl
	}
	cfg := c.base
	cfg.APIBasePath = env.APIBasePath
	cl := client.New(cfg)
	c.byPath[env.APIBasePath] = cl
	return cl
}

type demoEntry struct {
	demo     *gallery.Demo
	lastSeen time.Time
}

// Server is the HTTP server.
type Server struct {
	cfg           *config.Config
	clients       *Clients
	tokens        *auth.Provider
	store         session.Store
	limiter       *quota.RateLimiter
	sets          []protocol.CuratedSet
	submitTimeout time.Duration

	mu      sync.Mutex
	demos   map[string]*demoEntry
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates a new server.
func NewServer(
	cfg *config.Config,
	clients *Clients,
	tokens *auth.Provider,
	store session.Store,
	limiter *quota.RateLimiter,
) *Server {
	return &Server{
		cfg:           cfg,
		clients:       clients,
		tokens:        tokens,
		store:         store,
		limiter:       limiter,
		sets:          gallery.CuratedSets(gallery.CuratedFiles(), gallery.SetSize),
		submitTimeout: DefaultSubmitTimeout,
		demos:         make(map[string]*demoEntry),
	}
}

// Handler returns the HTTP handler with logging, session and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	static := s.assets()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Login flow
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, static, "login.html")
	})
	mux.HandleFunc("GET /auth/login", s.handleAuthLogin)
	mux.HandleFunc("GET "+auth.CallbackPath, s.handleAuthCallback)
	mux.HandleFunc("GET /logout", s.handleLogout)

	// API
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/token", s.handleToken)
	mux.HandleFunc("POST /api/token/refresh", s.handleTokenRefresh)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/sets", s.handleSets)
	mux.Handle("POST /api/inference", s.limiter.Middleware(sessionID)(http.HandlerFunc(s.handleInference)))
	mux.HandleFunc("GET /api/demo", s.handleDemoState)
	mux.HandleFunc("POST /api/demo/select", s.handleDemoSelect)
	mux.HandleFunc("GET /api/demo/gallery", s.handleDemoGallery)
	mux.HandleFunc("GET /api/files/content", s.handleFileContent)

	// Web app
	// WEBAPP_DIR overrides embedded assets for live-reload during development
	mux.Handle("/app/", http.StripPrefix("/app/", http.FileServer(http.FS(static))))
	mux.HandleFunc("GET /app", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app/", http.StatusFound)
	})

	return logging.Middleware(s.sessionMiddleware(metrics.Middleware(mux)))
}

func (s *Server) assets() fs.FS {
	if dir := os.Getenv("WEBAPP_DIR"); dir != "" {
		logging.Info("serving web app from disk", zap.String("dir", dir))
		return os.DirFS(dir)
	}
	return webapp.Assets
}

// Wait blocks until background demo submissions have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close stops new background submissions and waits for running ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Cleanup drops demo state for sessions idle longer than maxAge.
func (s *Server) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, e := range s.demos {
		if e.lastSeen.Before(cutoff) {
			delete(s.demos, id)
			n++
		}
	}
	return n
}

// ─── Sessions ───────────────────────────────────────────────────────────────

// sessionMiddleware assigns every client a session id cookie.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(SessionCookie); err == nil {
			if _, err := uuid.Parse(c.Value); err == nil {
				id = c.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		// Refresh on every response so the cookie outlives idle gaps.
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    id,
			Path:     "/",
			MaxAge:   int(s.cfg.SessionTTL / time.Second),
			HttpOnly: true,
			Secure:   s.cfg.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})

		ctx := context.WithValue(r.Context(), sessionKey, id)
		ctx = logging.WithFields(ctx, zap.String("session", shortID(id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionID(r *http.Request) string {
	id, _ := r.Context().Value(sessionKey).(string)
	return id
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Server) session(r *http.Request) *session.Session {
	return session.New(s.store, sessionID(r))
}

// origin is the externally visible scheme://host of the server.
func (s *Server) origin(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func (s *Server) clientFor(r *http.Request) *client.Client {
	return s.clients.For(s.cfg.EnvFor(r.Host))
}

// bridgeFor returns the hosting portal to ask for a token, or nil when the
// request does not come from the configured portal.
func (s *Server) bridgeFor(r *http.Request) *auth.Bridge {
	if s.cfg.BridgeOrigin == "" {
		return nil
	}
	if r.Header.Get(EmbeddedHeader) != "1" && refererOrigin(r) != s.cfg.BridgeOrigin {
		return nil
	}
	var cookies []*http.Cookie
	for _, c := range r.Cookies() {
		if c.Name != SessionCookie {
			cookies = append(cookies, c)
		}
	}
	return &auth.Bridge{Origin: s.cfg.BridgeOrigin, Cookies: cookies}
}

func refererOrigin(r *http.Request) string {
	u, err := url.Parse(r.Referer())
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (s *Server) token(r *http.Request) models.TokenInfo {
	return s.tokens.GetToken(r.Context(), s.session(r), s.cfg.IdentityHost, s.bridgeFor(r))
}

// requireToken returns the session's valid token or writes a 401.
func (s *Server) requireToken(w http.ResponseWriter, r *http.Request) (models.TokenInfo, bool) {
	info := s.token(r)
	if !info.IsValid {
		s.sendError(w, http.StatusUnauthorized, "not authenticated")
		return info, false
	}
	return info, true
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{Error: message})
}
