package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/TACC/imageInf/internal/gallery"
	"github.com/TACC/imageInf/internal/logging"
	"github.com/TACC/imageInf/internal/metrics"
	"github.com/TACC/imageInf/pkg/client"
	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
)

// ─── Models ─────────────────────────────────────────────────────────────────

// handleModels lists the inference models. ?clip=1 keeps only clip models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	info, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	list, err := s.clientFor(r).FetchModels(r.Context(), info.Token)
	if err != nil {
		logging.WithContext(r.Context()).Warn("model listing failed", zap.Error(err))
		s.sendError(w, http.StatusBadGateway, client.ErrFetchModels.Error())
		return
	}
	if r.URL.Query().Get("clip") == "1" {
		list = gallery.ClipModels(list)
	}
	if list == nil {
		list = []models.InferenceModelMeta{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleSets(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.sets)
}

// ─── Inference ──────────────────────────────────────────────────────────────

// validateInference rejects requests the inference service would refuse.
func validateInference(ir protocol.InferenceRequest) error {
	if len(ir.Files) == 0 {
		return client.ErrNoFiles
	}
	if len(ir.Files) > client.MaxSyncFiles {
		return client.ErrTooManyFiles
	}
	if _, err := protocol.ParseSensitivity(string(ir.Sensitivity)); err != nil {
		return err
	}
	for _, f := range ir.Files {
		if f.SystemID == "" || f.Path == "" {
			return fmt.Errorf("file %q needs systemId and path", f.String())
		}
	}
	return nil
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	info, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	var ir protocol.InferenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ir); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateInference(ir); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.submit(r.Context(), s.clientFor(r), info.Token, ir)
	if err != nil {
		s.sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// submit sends one inference request and records its outcome.
func (s *Server) submit(ctx context.Context, cl *client.Client, token string, ir protocol.InferenceRequest) (*protocol.InferenceResponse, error) {
	start := time.Now()
	resp, err := cl.SubmitInference(ctx, token, ir)
	metrics.RecordInference(ir.Model, err == nil, time.Since(start))

	log := logging.WithContext(ctx)
	if err != nil {
		if ae, ok := client.AsAPIError(err); ok {
			log.Warn("inference rejected", zap.Int("status", ae.StatusCode), zap.String("model", ir.Model))
		} else {
			log.Error("inference failed", zap.Error(err), zap.String("model", ir.Model))
		}
		return nil, err
	}
	log.Info("inference completed",
		zap.String("model", ir.Model),
		zap.Int("files", len(ir.Files)),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

// ─── Content ────────────────────────────────────────────────────────────────

// handleFileContent proxies a Tapis file so the browser never needs the
// token in an image URL.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	info, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	file := models.TapisFile{SystemID: q.Get("systemId"), Path: q.Get("path")}
	if file.SystemID == "" || file.Path == "" {
		s.sendError(w, http.StatusBadRequest, "systemId and path are required")
		return
	}

	fc, err := s.clientFor(r).FetchFileContent(r.Context(), info, file)
	if err != nil {
		metrics.RecordContentFetch(false, false, 0)
		logging.WithContext(r.Context()).Warn("file content fetch failed",
			zap.String("file", file.String()), zap.Error(err))
		code := http.StatusBadGateway
		if errors.Is(err, client.ErrNoToken) {
			code = http.StatusUnauthorized
		}
		s.sendError(w, code, err.Error())
		return
	}
	metrics.RecordContentFetch(fc.Cached, true, len(fc.Data))

	w.Header().Set("Content-Type", fc.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(fc.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Write(fc.Data)
}
