package subscriber_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NSLS2/test-redis-ws/internal/backend/memorybackend"
	"github.com/NSLS2/test-redis-ws/internal/dataset"
	"github.com/NSLS2/test-redis-ws/internal/metrics"
	"github.com/NSLS2/test-redis-ws/internal/stream"
	"github.com/NSLS2/test-redis-ws/internal/subscriber"
)

// recordingTransport captures every envelope sent to it, safe for
// concurrent use since Send is invoked from the Engine's own goroutine
// while the test goroutine reads Sent().
type recordingTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	closedAt *int
	closeMsg string
	received chan struct{}
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{received: make(chan struct{}, 1024)}
}

func (t *recordingTransport) Send(payload []byte, isBinary bool) error {
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), payload...))
	t.mu.Unlock()
	select {
	case t.received <- struct{}{}:
	default:
	}
	return nil
}

func (t *recordingTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := code
	t.closedAt = &c
	t.closeMsg = reason
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *recordingTransport) waitForCount(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.count() >= n {
			return true
		}
		select {
		case <-t.received:
		case <-time.After(10 * time.Millisecond):
		}
	}
	return t.count() >= n
}

func testHarness(t *testing.T) (*memorybackend.Backend, *dataset.Registry, *stream.Pipeline) {
	t.Helper()
	adapter := memorybackend.New()
	registry := dataset.New(adapter)
	pipeline := stream.NewPipeline(adapter, registry, time.Hour)
	return adapter, registry, pipeline
}

// sharedMetrics is created once: promauto registers collectors against the
// default Prometheus registry, and a second NewRegistry call in the same
// process would panic on duplicate registration.
var sharedMetricsOnce sync.Once
var sharedMetrics *metrics.Registry

func testMetrics() *metrics.Registry {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = metrics.NewRegistry()
	})
	return sharedMetrics
}

func TestEngineReplaysHistoryThenEndsOnSentinel(t *testing.T) {
	adapter, registry, pipeline := testHarness(t)
	ctx := context.Background()
	limits := stream.Limits{MaxPayloadSize: 1 << 20, MaxHeaderSize: 1 << 10}

	nodeID, err := registry.Create(ctx)
	require.NoError(t, err)
	_, err = pipeline.Append(ctx, stream.AppendRequest{NodeID: nodeID, Body: []byte("frame-1")}, limits)
	require.NoError(t, err)
	_, err = pipeline.Append(ctx, stream.AppendRequest{NodeID: nodeID, Body: []byte("frame-2")}, limits)
	require.NoError(t, err)
	_, err = pipeline.Close(ctx, nodeID, "done")
	require.NoError(t, err)

	startSeq := int64(1)
	engine := subscriber.New(adapter, registry, testMetrics(), zap.NewNop(), subscriber.Config{
		NodeID:               nodeID,
		StartSeq:             &startSeq,
		Format:               stream.FormatJSON,
		ServerHost:           "test-host",
		MaxFrameSize:         1 << 20,
		LivePollInterval:     10 * time.Millisecond,
		ListenerTeardownWait: time.Second,
	})

	transport := newRecordingTransport()
	done := make(chan struct{})
	go func() {
		engine.Run(ctx, transport)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish replay within timeout")
	}

	require.Equal(t, 3, transport.count(), "two data frames plus the sentinel")
	require.NotNil(t, transport.closedAt)
	require.Equal(t, 1000, *transport.closedAt)
	require.Equal(t, "Producer ended stream", transport.closeMsg)
}

func TestEngineDeliversLiveFramesAfterReplay(t *testing.T) {
	adapter, registry, pipeline := testHarness(t)
	ctx := context.Background()
	limits := stream.Limits{MaxPayloadSize: 1 << 20, MaxHeaderSize: 1 << 10}

	nodeID, err := registry.Create(ctx)
	require.NoError(t, err)
	_, err = pipeline.Append(ctx, stream.AppendRequest{NodeID: nodeID, Body: []byte("frame-1")}, limits)
	require.NoError(t, err)

	one := int64(1)
	engine := subscriber.New(adapter, registry, testMetrics(), zap.NewNop(), subscriber.Config{
		NodeID:               nodeID,
		StartSeq:             &one,
		Format:               stream.FormatJSON,
		ServerHost:           "test-host",
		MaxFrameSize:         1 << 20,
		LivePollInterval:     10 * time.Millisecond,
		ListenerTeardownWait: time.Second,
	})

	transport := newRecordingTransport()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		engine.Run(ctx, transport)
		close(done)
	}()

	require.True(t, transport.waitForCount(1, time.Second), "should replay the one existing frame")

	// Give the Listener time to establish its subscription before the
	// publish: the Listener starts before replay reads current, so live
	// traffic arriving afterward must still be delivered.
	time.Sleep(50 * time.Millisecond)

	_, err = pipeline.Append(ctx, stream.AppendRequest{NodeID: nodeID, Body: []byte("live-frame")}, limits)
	require.NoError(t, err)

	require.True(t, transport.waitForCount(2, 2*time.Second), "live frame should be delivered")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not tear down after cancellation")
	}
}

func TestEngineLiveOnlySkipsReplay(t *testing.T) {
	adapter, registry, _ := testHarness(t)
	ctx := context.Background()

	nodeID, err := registry.Create(ctx)
	require.NoError(t, err)

	engine := subscriber.New(adapter, registry, testMetrics(), zap.NewNop(), subscriber.Config{
		NodeID:               nodeID,
		StartSeq:             nil,
		Format:               stream.FormatJSON,
		ServerHost:           "test-host",
		LivePollInterval:     10 * time.Millisecond,
		ListenerTeardownWait: time.Second,
	})

	transport := newRecordingTransport()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		engine.Run(ctx, transport)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, transport.count(), "no StartSeq means no replay")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not tear down after cancellation")
	}
}

func TestEngineStopsOnTransportSendError(t *testing.T) {
	adapter, registry, pipeline := testHarness(t)
	ctx := context.Background()
	limits := stream.Limits{MaxPayloadSize: 1 << 20, MaxHeaderSize: 1 << 10}

	nodeID, err := registry.Create(ctx)
	require.NoError(t, err)
	_, err = pipeline.Append(ctx, stream.AppendRequest{NodeID: nodeID, Body: []byte("frame-1")}, limits)
	require.NoError(t, err)
	_, err = pipeline.Append(ctx, stream.AppendRequest{NodeID: nodeID, Body: []byte("frame-2")}, limits)
	require.NoError(t, err)

	one := int64(1)
	engine := subscriber.New(adapter, registry, testMetrics(), zap.NewNop(), subscriber.Config{
		NodeID:               nodeID,
		StartSeq:             &one,
		Format:               stream.FormatJSON,
		LivePollInterval:     10 * time.Millisecond,
		ListenerTeardownWait: time.Second,
	})

	transport := &erroringTransport{}
	done := make(chan struct{})
	go func() {
		engine.Run(ctx, transport)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after the transport reported a send error")
	}
	require.Equal(t, 1, transport.calls, "engine must stop at the first failed send, not continue replay")
}

type erroringTransport struct{ calls int }

func (t *erroringTransport) Send(payload []byte, isBinary bool) error {
	t.calls++
	return context.DeadlineExceeded
}

func (t *erroringTransport) Close(code int, reason string) error { return nil }
