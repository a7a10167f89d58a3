package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TACC/imageInf/internal/gallery"
	"github.com/TACC/imageInf/internal/logging"
	"github.com/TACC/imageInf/internal/metrics"
	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
)

var (
	errRateLimited  = errors.New("rate limit exceeded, retry shortly")
	errShuttingDown = errors.New("server is shutting down")
)

// ─── Demo ───────────────────────────────────────────────────────────────────

func (s *Server) demoFor(id string) *gallery.Demo {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.demos[id]
	if !ok {
		e = &demoEntry{demo: gallery.NewDemo(s.sets)}
		s.demos[id] = e
	}
	e.lastSeen = time.Now()
	return e.demo
}

func (s *Server) dropDemo(id string) {
	s.mu.Lock()
	delete(s.demos, id)
	s.mu.Unlock()
}

// ensureModel picks the first clip model for a demo with none selected.
func (s *Server) ensureModel(r *http.Request, d *gallery.Demo, info models.TokenInfo) {
	if d.State().Model != "" {
		return
	}
	list, err := s.clientFor(r).FetchModels(r.Context(), info.Token)
	if err != nil {
		logging.WithContext(r.Context()).Warn("model listing failed", zap.Error(err))
		return
	}
	d.EnsureModel(list)
}

// autoSubmit starts the inference request for the demo's current selection
// when it is complete and not yet submitted. The response is applied in the
// background; one for a superseded selection is dropped.
func (s *Server) autoSubmit(r *http.Request, d *gallery.Demo, info models.TokenInfo) {
	sub, ok := d.Pending()
	if !ok {
		return
	}
	log := logging.WithContext(r.Context())

	if !s.limiter.Allow(sessionID(r)) {
		metrics.RecordRateLimitHit()
		d.Fail(sub.Generation, errRateLimited)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		d.Fail(sub.Generation, errShuttingDown)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	cl := s.clientFor(r)
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()

		resp, err := s.submit(ctx, cl, info.Token, sub.Request)
		var applied bool
		if err != nil {
			applied = d.Fail(sub.Generation, err)
		} else {
			applied = d.Apply(sub.Generation, resp)
		}
		if !applied {
			log.Debug("dropped response for superseded selection", zap.Uint64("generation", sub.Generation))
		}
	}()
}

// handleDemoState returns the demo state, submitting the selection first
// if it is ready.
func (s *Server) handleDemoState(w http.ResponseWriter, r *http.Request) {
	info, ok := s.requireToken(w, r)
	if !ok {
		return
	}
	d := s.demoFor(sessionID(r))
	s.ensureModel(r, d, info)
	s.autoSubmit(r, d, info)
	s.sendJSON(w, http.StatusOK, d.State())
}

// handleDemoSelect changes the selection. Any change discards the previous
// results and submits the new selection when it is complete.
func (s *Server) handleDemoSelect(w http.ResponseWriter, r *http.Request) {
	info, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	var req protocol.DemoSelectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d := s.demoFor(sessionID(r))
	if err := d.Select(req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.ensureModel(r, d, info)
	s.autoSubmit(r, d, info)
	s.sendJSON(w, http.StatusOK, d.State())
}

// handleDemoGallery returns the current set filtered by ?label= values.
// A file matches when it carries any selected label.
func (s *Server) handleDemoGallery(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireToken(w, r); !ok {
		return
	}
	files := s.demoFor(sessionID(r)).Gallery(r.URL.Query()["label"])
	if files == nil {
		files = []models.TapisFile{}
	}
	s.sendJSON(w, http.StatusOK, files)
}
