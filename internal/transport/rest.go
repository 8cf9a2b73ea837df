package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/NSLS2/test-redis-ws/internal/dataset"
	"github.com/NSLS2/test-redis-ws/internal/stream"
)

// handleUploadCreate handles POST /upload: allocate a new dataset.
func (s *Server) handleUploadCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeID, err := s.registry.Create(r.Context())
	if err != nil {
		s.logger.Error("create dataset failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.metrics != nil {
		s.metrics.DatasetsCreated.Inc()
	}

	idNum, err := strconv.Atoi(nodeID)
	if err != nil {
		s.logger.Error("create dataset: non-numeric node_id", zap.String("node_id", nodeID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"node_id": idNum})
}

// handleUploadByID handles DELETE /upload/{id} (teardown) and
// POST /upload/{id} (append).
func (s *Server) handleUploadByID(w http.ResponseWriter, r *http.Request) {
	nodeID := strings.TrimPrefix(r.URL.Path, "/upload/")
	if nodeID == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		s.handleDelete(w, r, nodeID)
	case http.MethodPost:
		s.handleAppend(w, r, nodeID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, nodeID string) {
	err := s.registry.Delete(r.Context(), nodeID)
	if errors.Is(err, dataset.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("delete dataset failed", zap.String("node_id", nodeID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.metrics != nil {
		s.metrics.DatasetsDeleted.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, nodeID string) {
	if s.guard != nil && !s.guard.AllowAppend() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.limits.MaxPayloadSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	headerValues := make([]string, 0, len(r.Header))
	for _, values := range r.Header {
		headerValues = append(headerValues, values...)
	}

	_, err = s.pipeline.Append(r.Context(), stream.AppendRequest{
		NodeID:       nodeID,
		Body:         body,
		ContentType:  r.Header.Get("Content-Type"),
		HeaderValues: headerValues,
	}, stream.Limits{MaxPayloadSize: s.limits.MaxPayloadSize, MaxHeaderSize: s.limits.MaxHeaderSize})

	var publishErr *stream.PublishError
	switch {
	case errors.As(err, &publishErr):
		// Frame is durably committed; only the live notification was lost.
		s.logger.Warn("append: publish failed, frame still durable", zap.String("node_id", nodeID), zap.Error(err))
		if s.metrics != nil {
			s.metrics.BackendErrors.WithLabelValues("publish").Inc()
			s.metrics.FramesAppended.Inc()
		}
		w.WriteHeader(http.StatusOK)
		return
	case errors.Is(err, stream.ErrPayloadTooLarge):
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, stream.ErrHeaderTooLarge):
		http.Error(w, "header too large", http.StatusRequestHeaderFieldsTooLarge)
		return
	case err != nil:
		s.logger.Error("append failed", zap.String("node_id", nodeID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.FramesAppended.Inc()
	}
	w.WriteHeader(http.StatusOK)
}

// closeRequest is the optional JSON body of POST /close/{id}.
type closeRequest struct {
	Reason string `json:"reason"`
}

// handleClose handles POST /close/{id}: write the end-of-stream sentinel.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := strings.TrimPrefix(r.URL.Path, "/close/")
	if nodeID == "" {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req closeRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	_, err = s.pipeline.Close(r.Context(), nodeID, req.Reason)

	var publishErr *stream.PublishError
	switch {
	case errors.As(err, &publishErr):
		s.logger.Warn("close: publish failed, sentinel still durable", zap.String("node_id", nodeID), zap.Error(err))
		if s.metrics != nil {
			s.metrics.BackendErrors.WithLabelValues("publish").Inc()
			s.metrics.FramesClosed.Inc()
		}
		writeJSON(w, http.StatusOK, closeResponse(nodeID, req.Reason))
		return
	case errors.Is(err, stream.ErrDatasetNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Error("close failed", zap.String("node_id", nodeID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.FramesClosed.Inc()
	}
	writeJSON(w, http.StatusOK, closeResponse(nodeID, req.Reason))
}

// closeResponse builds the documented close-success body: a human-readable
// status sentence plus the reason verbatim from the request.
func closeResponse(nodeID, reason string) map[string]string {
	return map[string]string{
		"status": "Connection for node " + nodeID + " is now closed.",
		"reason": reason,
	}
}

// handleListLive handles GET /stream/live: the set of currently live
// dataset ids.
func (s *Server) handleListLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ids, err := s.registry.ListLive(r.Context())
	if err != nil {
		s.logger.Error("list live failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ids)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
