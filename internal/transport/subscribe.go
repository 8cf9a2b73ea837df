package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/NSLS2/test-redis-ws/internal/stream"
	"github.com/NSLS2/test-redis-ws/internal/subscriber"
)

// handleSubscribe handles GET /stream/single/{id}: upgrade to a WebSocket
// and run the Subscriber Engine for the connection's lifetime.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	nodeID := strings.TrimPrefix(r.URL.Path, "/stream/single/")
	if nodeID == "" {
		http.NotFound(w, r)
		return
	}

	if s.guard != nil {
		if accept, reason := s.guard.ShouldAcceptConnection(); !accept {
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}
	}

	var startSeq *int64
	if raw := r.URL.Query().Get("seq_num"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid seq_num", http.StatusBadRequest)
			return
		}
		startSeq = &v
	}

	format := stream.ParseFormat(r.URL.Query().Get("envelope_format"))

	// Upgrade writes the handshake response itself and never consults
	// w.Header(), so X-Server-Host has to be set on the upgrader directly
	// rather than relying on the outer host-header middleware.
	upgrader := ws.HTTPUpgrader{
		Header: ws.HandshakeHeaderHTTP(http.Header{"X-Server-Host": []string{s.serverHost}}),
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("node_id", nodeID), zap.Error(err))
		return
	}

	// Upgrade hijacks the connection out of net/http's request lifecycle, so
	// the server's ReadTimeout/WriteTimeout no longer govern it; clear any
	// deadline left over from the hijack explicitly rather than relying on
	// that being true of every net/http version.
	_ = conn.SetDeadline(time.Time{})

	if s.guard != nil {
		s.guard.AddConnection()
		defer s.guard.ReleaseConnection()
	}

	wsTransport := &websocketTransport{conn: conn, logger: s.logger}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go wsTransport.drainIncoming(ctx, cancel)

	engine := subscriber.New(s.backend, s.registry, s.metrics, s.logger, subscriber.Config{
		NodeID:               nodeID,
		StartSeq:             startSeq,
		Format:               format,
		ServerHost:           s.serverHost,
		MaxFrameSize:         s.limits.MaxWebsocketFrameSize,
		LivePollInterval:     s.limits.LivePollInterval,
		ListenerTeardownWait: s.limits.ListenerTeardownWait,
	})
	engine.Run(ctx, wsTransport)
}

// websocketTransport adapts a raw gobwas/ws connection to the subscriber
// package's Transport interface. The engine is the only sender of
// envelopes; drainIncoming also writes pong replies, so every frame write
// goes through write, which serializes them.
type websocketTransport struct {
	conn    net.Conn
	logger  *zap.Logger
	writeMu sync.Mutex
}

func (t *websocketTransport) write(op ws.OpCode, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsutil.WriteServerMessage(t.conn, op, payload)
}

func (t *websocketTransport) Send(payload []byte, isBinary bool) error {
	op := ws.OpText
	if isBinary {
		op = ws.OpBinary
	}
	return t.write(op, payload)
}

func (t *websocketTransport) Close(code int, reason string) error {
	msg := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	return t.write(ws.OpClose, msg)
}

// drainIncoming reads (and discards) client frames so pings/pongs and the
// close handshake are serviced; the protocol is send-only from the server,
// so any client data frame is simply dropped. Returns (via cancel) as soon
// as the client disconnects, which is this connection's only source of a
// CLOSING_CLIENT transition while in LIVE with no live traffic.
func (t *websocketTransport) drainIncoming(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	reader := wsutil.NewReader(t.conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("subscriber read error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := t.write(ws.OpPong, nil); err != nil {
				return
			}
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}
