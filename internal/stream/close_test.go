package stream_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NSLS2/test-redis-ws/internal/backend/memorybackend"
	"github.com/NSLS2/test-redis-ws/internal/dataset"
	"github.com/NSLS2/test-redis-ws/internal/frame"
	"github.com/NSLS2/test-redis-ws/internal/stream"
)

func TestCloseWritesSentinelAfterLastFrame(t *testing.T) {
	adapter := memorybackend.New()
	registry := dataset.New(adapter)
	pipeline := stream.NewPipeline(adapter, registry, time.Hour)
	ctx := context.Background()

	nodeID, err := registry.Create(ctx)
	require.NoError(t, err)

	limits := stream.Limits{MaxPayloadSize: 1 << 20, MaxHeaderSize: 1 << 10}
	seq, err := pipeline.Append(ctx, stream.AppendRequest{NodeID: nodeID, Body: []byte("data")}, limits)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	closeSeq, err := pipeline.Close(ctx, nodeID, "done")
	require.NoError(t, err)
	require.Equal(t, int64(2), closeSeq)

	fr, err := adapter.HashGet(ctx, dataset.DataKey(nodeID, closeSeq))
	require.NoError(t, err)

	got := frame.Frame{Metadata: fr.Metadata, Payload: fr.Payload}
	require.True(t, got.IsSentinel())

	var meta map[string]string
	require.NoError(t, json.Unmarshal(fr.Metadata, &meta))
	require.Equal(t, "done", meta["reason"])
}

func TestCloseOnUnknownDatasetReturnsNotFound(t *testing.T) {
	adapter := memorybackend.New()
	registry := dataset.New(adapter)
	pipeline := stream.NewPipeline(adapter, registry, time.Hour)

	_, err := pipeline.Close(context.Background(), "nonexistent", "")
	require.ErrorIs(t, err, stream.ErrDatasetNotFound)
}

func TestCloseOnDeletedDatasetReturnsNotFound(t *testing.T) {
	adapter := memorybackend.New()
	registry := dataset.New(adapter)
	pipeline := stream.NewPipeline(adapter, registry, time.Hour)
	ctx := context.Background()

	nodeID, err := registry.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, registry.Delete(ctx, nodeID))

	_, err = pipeline.Close(ctx, nodeID, "")
	require.ErrorIs(t, err, stream.ErrDatasetNotFound)
}
