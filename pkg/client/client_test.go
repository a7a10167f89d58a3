package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
	"github.com/TACC/imageInf/pkg/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		APIBasePath: ts.URL + "/api",
		ContentRetry: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

var testFiles = []models.TapisFile{
	{SystemID: "designsafe.storage.published", Path: "/PRJ-1/a.jpg"},
	{SystemID: "designsafe.storage.published", Path: "/PRJ-1/b.jpg"},
}

func TestStatus(t *testing.T) {
	up := true
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer ts.Close()

	if err := c.Status(context.Background()); err != nil {
		t.Fatalf("expected healthy service, got %v", err)
	}
	up = false
	if err := c.Status(context.Background()); err == nil {
		t.Error("expected error for unavailable service")
	}
}

func TestFetchModels_Success(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/inference/models" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get(TokenHeader); got != "tok" {
			t.Errorf("expected token header tok, got %q", got)
		}
		json.NewEncoder(w).Encode([]models.InferenceModelMeta{
			{Name: "openai/clip-vit-base-patch32", Type: "clip", Description: "CLIP"},
			{Name: "google/vit-base-patch16-224", Description: "ViT"},
		})
	}))
	defer ts.Close()

	got, err := c.FetchModels(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Type != "clip" {
		t.Errorf("unexpected models: %+v", got)
	}
}

func TestFetchModels_NonSuccessIsGeneric(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "detailed backend failure", http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := c.FetchModels(context.Background(), "tok")
	if !errors.Is(err, ErrFetchModels) {
		t.Fatalf("expected ErrFetchModels, got %v", err)
	}
	if strings.Contains(err.Error(), "detailed") {
		t.Errorf("model errors should be generic, got %q", err)
	}
}

func TestFetchModels_NoTokenSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	if _, err := c.FetchModels(context.Background(), ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no request, got %d", calls.Load())
	}
}

func TestSubmitInference_Success(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/inference/sync" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		var req protocol.InferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if req.Model != "clip" || req.Sensitivity != protocol.SensitivityHigh || len(req.Files) != 2 {
			t.Errorf("unexpected request body: %+v", req)
		}
		json.NewEncoder(w).Encode(protocol.InferenceResponse{
			Model: "clip",
			Results: []models.InferenceResult{
				{SystemID: req.Files[0].SystemID, Path: req.Files[0].Path, Predictions: []models.Prediction{{Label: "car", Score: 0.9}}},
			},
		})
	}))
	defer ts.Close()

	resp, err := c.SubmitInference(context.Background(), "tok", protocol.InferenceRequest{
		Files:       testFiles,
		Model:       "clip",
		Sensitivity: protocol.SensitivityHigh,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Model != "clip" || len(resp.Effective()) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSubmitInference_ErrorCarriesBody(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"detail":"Unknown model"}`)
	}))
	defer ts.Close()

	_, err := c.SubmitInference(context.Background(), "tok", protocol.InferenceRequest{Files: testFiles})
	ae, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if ae.StatusCode != http.StatusBadRequest || ae.Message != `{"detail":"Unknown model"}` {
		t.Errorf("unexpected APIError: %+v", ae)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly one request, got %d", calls.Load())
	}
}

func TestSubmitInference_Validation(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	six := make([]models.TapisFile, 6)
	tests := []struct {
		name string
		req  protocol.InferenceRequest
		want error
	}{
		{"empty files", protocol.InferenceRequest{}, ErrNoFiles},
		{"too many files", protocol.InferenceRequest{Files: six}, ErrTooManyFiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.SubmitInference(context.Background(), "tok", tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := c.SubmitInference(context.Background(), "tok", protocol.InferenceRequest{Files: testFiles, Sensitivity: "extreme"}); err == nil {
		t.Error("expected invalid sensitivity error")
	}
	if calls.Load() != 0 {
		t.Errorf("expected no requests, got %d", calls.Load())
	}
}

func TestInferenceResponse_EffectivePrefersAggregated(t *testing.T) {
	resp := &protocol.InferenceResponse{
		Results:           []models.InferenceResult{{Path: "/a.jpg"}},
		AggregatedResults: []models.InferenceResult{{Path: "/a.jpg"}, {Path: "/b.jpg"}},
	}
	if got := len(resp.Effective()); got != 2 {
		t.Errorf("expected aggregated results, got %d", got)
	}
	resp.AggregatedResults = nil
	if got := len(resp.Effective()); got != 1 {
		t.Errorf("expected per-file results, got %d", got)
	}
}
