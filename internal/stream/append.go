// Package stream implements the Append Pipeline and Close Marker:
// validating a request, allocating the next sequence, committing the frame
// with its TTL, and then publishing its live notification. The counter
// increment, the frame write and the publish are three separate backend
// calls, not one atomic batch; the publish is issued only after the frame
// write has succeeded.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NSLS2/test-redis-ws/internal/backend"
	"github.com/NSLS2/test-redis-ws/internal/dataset"
	"github.com/NSLS2/test-redis-ws/internal/frame"
)

// Sentinel input errors, surfaced as 4xx by the transport layer without any
// backend side effects.
var (
	ErrPayloadTooLarge = errors.New("stream: payload too large")
	ErrHeaderTooLarge  = errors.New("stream: header too large")
	ErrDatasetNotFound = errors.New("stream: dataset not found")
)

// Pipeline appends frames to and closes datasets.
type Pipeline struct {
	backend  backend.Adapter
	registry *dataset.Registry
	ttl      time.Duration
	now      func() time.Time
}

// NewPipeline returns a Pipeline that commits frames with the given TTL.
func NewPipeline(adapter backend.Adapter, registry *dataset.Registry, ttl time.Duration) *Pipeline {
	return &Pipeline{backend: adapter, registry: registry, ttl: ttl, now: time.Now}
}

// AppendRequest is the validated input to Append.
type AppendRequest struct {
	NodeID      string
	Body        []byte
	ContentType string
	// HeaderValues holds every header value present on the request, so the
	// caller can be rejected before any side effect if any single value
	// exceeds the configured limit.
	HeaderValues []string
}

// Limits bounds payload and header sizes.
type Limits struct {
	MaxPayloadSize int64
	MaxHeaderSize  int
}

// Append validates req against limits, allocates the next sequence number
// for req.NodeID, and atomically commits the frame with its TTL and
// publishes a live notification.
func (p *Pipeline) Append(ctx context.Context, req AppendRequest, limits Limits) (int64, error) {
	if int64(len(req.Body)) > limits.MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	for _, v := range req.HeaderValues {
		if len(v) > limits.MaxHeaderSize {
			return 0, ErrHeaderTooLarge
		}
	}

	meta := frame.Metadata{
		Timestamp:   p.now().UTC().Format(time.RFC3339Nano),
		ContentType: req.ContentType,
	}
	metaBytes, err := meta.Encode()
	if err != nil {
		return 0, fmt.Errorf("stream: encode metadata: %w", err)
	}

	seq, err := p.backend.CounterIncr(ctx, dataset.SeqKey(req.NodeID))
	if err != nil {
		return 0, fmt.Errorf("stream: allocate sequence: %w", err)
	}

	if err := p.backend.HashPut(ctx, dataset.DataKey(req.NodeID, seq), backend.Frame{
		Metadata: metaBytes,
		Payload:  req.Body,
	}, int64(p.ttl.Seconds())); err != nil {
		// The sequence was already allocated; the orphan counter bump is
		// tolerated here. Nothing is ever readable at that sequence, so
		// subscribers skip it as missing.
		return 0, fmt.Errorf("stream: commit frame: %w", err)
	}

	if err := p.backend.Publish(ctx, dataset.NotifyChannel(req.NodeID), seq); err != nil {
		// Publish failures are non-fatal: the frame is already durably
		// committed and readable; only the live-path notification is lost.
		// Replay from this sequence still finds it.
		return seq, &PublishError{Seq: seq, Err: err}
	}

	return seq, nil
}

// PublishError wraps a non-fatal publish failure after a successful commit.
// The frame is durable; callers should treat the append as having
// succeeded.
type PublishError struct {
	Seq int64
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("stream: publish notification for seq %d: %v", e.Seq, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
