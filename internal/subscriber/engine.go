package subscriber

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/NSLS2/test-redis-ws/internal/backend"
	"github.com/NSLS2/test-redis-ws/internal/dataset"
	"github.com/NSLS2/test-redis-ws/internal/frame"
	"github.com/NSLS2/test-redis-ws/internal/metrics"
	"github.com/NSLS2/test-redis-ws/internal/stream"
)

// liveQueueCapacity bounds how many unconsumed live notifications the
// Listener task may buffer; once it is full, the Listener blocks until the
// run loop consumes one or the connection is cancelled.
const liveQueueCapacity = 256

// Config configures one subscriber connection.
type Config struct {
	NodeID    string
	StartSeq  *int64 // nil means "no replay, live-only"
	Format    stream.Format
	ServerHost string

	MaxFrameSize         int
	LivePollInterval     time.Duration
	ListenerTeardownWait time.Duration
}

// Engine drives one subscriber connection's OPENING/REPLAY/LIVE/
// CLOSING_*/TEARDOWN state machine.
type Engine struct {
	backend  backend.Adapter
	registry *dataset.Registry
	metrics  *metrics.Registry
	logger   *zap.Logger
	cfg      Config
}

// New returns an Engine for one connection.
func New(adapter backend.Adapter, registry *dataset.Registry, metricsRegistry *metrics.Registry, logger *zap.Logger, cfg Config) *Engine {
	if cfg.LivePollInterval <= 0 {
		cfg.LivePollInterval = time.Second
	}
	if cfg.ListenerTeardownWait <= 0 {
		cfg.ListenerTeardownWait = 2 * time.Second
	}
	return &Engine{backend: adapter, registry: registry, metrics: metricsRegistry, logger: logger, cfg: cfg}
}

// Run drives the connection to completion: REPLAY (if requested) then LIVE,
// until the client disconnects, the producer closes the stream, or parent
// is cancelled. Run always tears down the Listener task before returning.
func (e *Engine) Run(parent context.Context, t Transport) {
	ctx, cancel := context.WithCancel(parent)

	liveCh := make(chan int64, liveQueueCapacity)
	var wg sync.WaitGroup
	wg.Add(1)
	// The Listener is started before replay reads `current`, so any live
	// sequence <= current observed later is already covered by replay.
	go e.runListener(ctx, &wg, liveCh)

	defer e.teardown(cancel, &wg)

	if e.metrics != nil {
		e.metrics.SubscriberConnections.Inc()
		defer e.metrics.SubscriberConnections.Dec()
	}

	highWater := int64(0)

	if e.cfg.StartSeq != nil {
		current, err := e.registry.NextSeq(ctx, e.cfg.NodeID)
		if err != nil {
			e.logger.Warn("replay: failed to read current sequence", zap.String("node_id", e.cfg.NodeID), zap.Error(err))
			current = 0
		}
		highWater = current

		for s := *e.cfg.StartSeq; s <= current; s++ {
			sendErr, sentinel := e.deliver(ctx, t, s)
			if sendErr != nil {
				return // CLOSING_CLIENT
			}
			if sentinel {
				_ = t.Close(1000, "Producer ended stream")
				return // CLOSING_PRODUCER
			}
		}
	}

	e.liveLoop(ctx, t, liveCh, highWater)
}

func (e *Engine) liveLoop(ctx context.Context, t Transport, liveCh chan int64, highWater int64) {
	ticker := time.NewTicker(e.cfg.LivePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case seq, ok := <-liveCh:
			if !ok {
				// Listener exited (backend error or cancellation). Stall
				// in LIVE rather than force a close; the connection will
				// only end on client disconnect or parent cancellation
				// now.
				liveCh = nil
				continue
			}
			if seq <= highWater {
				continue // already covered by replay/earlier live delivery
			}
			highWater = seq

			sendErr, sentinel := e.deliver(ctx, t, seq)
			if sendErr != nil {
				return // CLOSING_CLIENT
			}
			if sentinel {
				_ = t.Close(1000, "Producer ended stream")
				return // CLOSING_PRODUCER
			}

		case <-ticker.C:
			// Incidental: exists only to re-check ctx.Done() promptly; it
			// never affects delivery ordering.
		}
	}
}

// deliver fetches, encodes, and sends one frame. It returns a non-nil
// sendErr when the transport appears to have disconnected (the caller
// should stop without attempting further sends), and sentinel=true when
// the frame just delivered was the end-of-stream marker.
func (e *Engine) deliver(ctx context.Context, t Transport, seq int64) (sendErr error, sentinel bool) {
	fr, found, err := e.fetchFrame(ctx, seq)
	if err != nil {
		e.logger.Warn("subscriber: backend read error", zap.String("node_id", e.cfg.NodeID), zap.Int64("seq", seq), zap.Error(err))
		if e.metrics != nil {
			e.metrics.BackendErrors.WithLabelValues("hash_get").Inc()
		}
		return nil, false
	}
	if !found {
		// Expired or never existed; skip silently.
		if e.metrics != nil {
			e.metrics.FramesSkipped.Inc()
		}
		return nil, false
	}

	env := e.buildEnvelope(fr, seq)
	payload, err := stream.EncodeEnvelope(e.cfg.Format, env)
	if err != nil {
		e.logger.Warn("subscriber: encode envelope failed", zap.Error(err))
		return nil, false
	}

	if e.cfg.MaxFrameSize > 0 && len(payload) > e.cfg.MaxFrameSize {
		if e.metrics != nil {
			e.metrics.EnvelopeOversize.Inc()
		}
		payload, err = stream.EncodeErrorEnvelope(e.cfg.Format, frame.ErrorEnvelope{Error: "Frame too large"})
		if err != nil {
			e.logger.Warn("subscriber: encode error envelope failed", zap.Error(err))
			return nil, false
		}
	}

	if err := t.Send(payload, e.cfg.Format == stream.FormatBinary); err != nil {
		return err, false
	}

	if e.metrics != nil {
		e.metrics.SubscriberFramesSent.Inc()
	}

	isSentinel := fr.IsSentinel()
	return nil, isSentinel
}

func (e *Engine) fetchFrame(ctx context.Context, seq int64) (frame.Frame, bool, error) {
	bf, err := e.backend.HashGet(ctx, dataset.DataKey(e.cfg.NodeID, seq))
	if err != nil {
		if err == backend.ErrNotFound {
			return frame.Frame{}, false, nil
		}
		return frame.Frame{}, false, err
	}
	return frame.Frame{
		NodeID:   e.cfg.NodeID,
		Seq:      seq,
		Metadata: bf.Metadata,
		Payload:  bf.Payload,
	}, true, nil
}

func (e *Engine) buildEnvelope(fr frame.Frame, seq int64) frame.Envelope {
	metaStr := "{}"
	if utf8.Valid(fr.Metadata) {
		metaStr = string(fr.Metadata)
	} else {
		e.logger.Warn("subscriber: metadata is not valid UTF-8, substituting", zap.String("node_id", e.cfg.NodeID), zap.Int64("seq", seq))
	}

	var payload any
	if fr.IsSentinel() {
		payload = nil
	} else {
		decoded, ok := stream.DecodePayload(fr.Payload)
		if !ok {
			e.logger.Warn("subscriber: payload decode failed, substituting empty array", zap.String("node_id", e.cfg.NodeID), zap.Int64("seq", seq))
		}
		payload = decoded
	}

	return frame.Envelope{
		Sequence:   seq,
		Metadata:   metaStr,
		Payload:    payload,
		ServerHost: e.cfg.ServerHost,
	}
}

// runListener subscribes to the dataset's notification channel and forwards
// every sequence it observes onto out, until ctx is cancelled or the
// backend subscription ends. Backend errors here are logged and cause the
// Listener to exit; the run loop is not notified beyond out closing.
func (e *Engine) runListener(ctx context.Context, wg *sync.WaitGroup, out chan<- int64) {
	defer wg.Done()
	defer close(out)

	sub, err := e.backend.Subscribe(ctx, dataset.NotifyChannel(e.cfg.NodeID))
	if err != nil {
		e.logger.Warn("listener: subscribe failed", zap.String("node_id", e.cfg.NodeID), zap.Error(err))
		if e.metrics != nil {
			e.metrics.BackendErrors.WithLabelValues("subscribe").Inc()
		}
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case seq, ok := <-sub.Notifications():
			if !ok {
				if err := sub.Err(); err != nil {
					e.logger.Warn("listener: notification stream ended", zap.String("node_id", e.cfg.NodeID), zap.Error(err))
				}
				return
			}
			select {
			case out <- seq:
			case <-ctx.Done():
				return
			}
		}
	}
}

// teardown cancels the Listener and waits, bounded by
// cfg.ListenerTeardownWait, for it to release its backend subscription. A
// Listener that does not finish in time is abandoned and logged, never
// blocking connection teardown indefinitely.
func (e *Engine) teardown(cancel context.CancelFunc, wg *sync.WaitGroup) {
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ListenerTeardownWait):
		e.logger.Warn("teardown: listener did not exit within bound, abandoning", zap.String("node_id", e.cfg.NodeID), zap.Duration("wait", e.cfg.ListenerTeardownWait))
	}
}
