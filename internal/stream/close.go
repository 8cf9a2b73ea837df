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

// Close writes the end-of-stream sentinel for nodeID: same commit-and-
// publish contract as Append, except the payload is the bytes of JSON null
// and metadata carries reason verbatim.
func (p *Pipeline) Close(ctx context.Context, nodeID, reason string) (int64, error) {
	exists, err := p.registry.Exists(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("stream: close: %w", err)
	}
	if !exists {
		return 0, ErrDatasetNotFound
	}

	meta := frame.Metadata{
		Timestamp: p.now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Sentinel:  true,
	}
	metaBytes, err := meta.Encode()
	if err != nil {
		return 0, fmt.Errorf("stream: close: encode metadata: %w", err)
	}

	seq, err := p.backend.CounterIncr(ctx, dataset.SeqKey(nodeID))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return 0, ErrDatasetNotFound
		}
		return 0, fmt.Errorf("stream: close: allocate sequence: %w", err)
	}

	if err := p.backend.HashPut(ctx, dataset.DataKey(nodeID, seq), backend.Frame{
		Metadata: metaBytes,
		Payload:  frame.NullPayload,
	}, int64(p.ttl.Seconds())); err != nil {
		return 0, fmt.Errorf("stream: close: commit sentinel: %w", err)
	}

	if err := p.backend.Publish(ctx, dataset.NotifyChannel(nodeID), seq); err != nil {
		return seq, &PublishError{Seq: seq, Err: err}
	}

	return seq, nil
}
