package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NSLS2/test-redis-ws/internal/backend/memorybackend"
	"github.com/NSLS2/test-redis-ws/internal/config"
	"github.com/NSLS2/test-redis-ws/internal/dataset"
	"github.com/NSLS2/test-redis-ws/internal/metrics"
	"github.com/NSLS2/test-redis-ws/internal/stream"
)

// sharedMetrics is created once: promauto registers collectors against the
// default Prometheus registry, and a second NewRegistry call in the same
// process would panic on duplicate registration.
var (
	sharedMetricsOnce sync.Once
	sharedMetrics     *metrics.Registry
)

func testMetrics() *metrics.Registry {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = metrics.NewRegistry()
	})
	return sharedMetrics
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	adapter := memorybackend.New()
	registry := dataset.New(adapter)
	pipeline := stream.NewPipeline(adapter, registry, time.Hour)
	limitsCfg := config.LimitsConfig{MaxPayloadSize: 1 << 20, MaxHeaderSize: 1 << 10}
	return New(config.ServerConfig{}, limitsCfg, adapter, registry, pipeline, nil, testMetrics(), zap.NewNop())
}

func TestHandleUploadCreateReturnsNodeIDAsJSONNumber(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	s.handleUploadCreate(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		NodeID json.Number `json:"node_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), "node_id must decode as a JSON number, got %q", rr.Body.String())
	_, err := body.NodeID.Int64()
	require.NoError(t, err)
}

func TestHandleAppendReturnsEmptyBody(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	nodeID, err := s.registry.Create(ctx)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload/"+nodeID, strings.NewReader("payload"))
	s.handleAppend(rr, req, nodeID)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Body.Bytes(), "append response must carry no body")
}

func TestHandleCloseReturnsStatusAndReason(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	nodeID, err := s.registry.Create(ctx)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/close/"+nodeID, strings.NewReader(`{"reason":"done"}`))
	s.handleClose(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "done", body["reason"])
	require.Contains(t, body["status"], nodeID)
}

func TestHandleCloseWithoutBodyDefaultsToEmptyReason(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	nodeID, err := s.registry.Create(ctx)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/close/"+nodeID, nil)
	s.handleClose(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "", body["reason"])
}

func TestHandleCloseMalformedJSONReturns400AndDoesNotIncrementSequence(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	nodeID, err := s.registry.Create(ctx)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/close/"+nodeID, strings.NewReader("invalid json {{{"))
	s.handleClose(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "invalid JSON")

	seq, err := s.registry.NextSeq(ctx, nodeID)
	require.NoError(t, err)
	require.Equal(t, int64(0), seq, "malformed close body must not allocate a sequence")
}

func TestHandleCloseOnUnknownDatasetReturns404(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/close/nonexistent", strings.NewReader(`{}`))
	s.handleClose(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleDeleteThenDeleteAgainReturns404(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	nodeID, err := s.registry.Create(ctx)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	s.handleDelete(rr, httptest.NewRequest(http.MethodDelete, "/upload/"+nodeID, nil), nodeID)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr2 := httptest.NewRecorder()
	s.handleDelete(rr2, httptest.NewRequest(http.MethodDelete, "/upload/"+nodeID, nil), nodeID)
	require.Equal(t, http.StatusNotFound, rr2.Code)
}
