package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Middleware(mux)

	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/files/"+id, nil))
	}

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /api/files/{id}", "404"))
	if got != 3 {
		t.Errorf("expected 3 requests under one route label, got %v", got)
	}
}

func TestRecordContentFetch(t *testing.T) {
	before := testutil.ToFloat64(contentFetchesTotal.WithLabelValues("hit", "success"))
	RecordContentFetch(true, true, 10)
	after := testutil.ToFloat64(contentFetchesTotal.WithLabelValues("hit", "success"))
	if after-before != 1 {
		t.Errorf("expected one cache hit recorded, got %v", after-before)
	}
}
