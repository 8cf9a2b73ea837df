// Package natsbackend implements internal/backend.Adapter over a NATS
// JetStream key-value bucket (for counters and frame hashes) plus core NATS
// publish/subscribe (for live notifications).
//
// Grounded on _examples/original_source/server_nats.py, which keeps the
// sequence counter and a JSON blob per data key in a single KV bucket
// created with the configured TTL, and publishes/subscribes plain NATS
// subjects for notifications. The connection option pattern (reconnect
// wait, max reconnects, event handlers) is lifted from
// _examples/adred-codev-ws_poc/go-server/pkg/nats/client.go.
package natsbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/NSLS2/test-redis-ws/internal/backend"
)

// Config configures the NATS connection and KV bucket.
type Config struct {
	URL           string
	KVBucket      string
	TTL           time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// Backend adapts a NATS connection + JetStream KV bucket to backend.Adapter.
type Backend struct {
	conn *nats.Conn
	kv   nats.KeyValue
}

// frameDoc is the JSON shape stored per data:{id}:{seq} KV key. NATS KV
// stores one []byte value per key, so the metadata/payload pair HashPut
// takes is packed into one JSON document here instead of two hash fields.
type frameDoc struct {
	Metadata []byte `json:"metadata"`
	Payload  []byte `json:"payload"`
}

// New connects to NATS and opens (creating if absent) the configured KV
// bucket.
func New(cfg Config) (*Backend, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Name("streamhub"),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbackend: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbackend: jetstream context: %w", err)
	}

	kv, err := js.KeyValue(cfg.KVBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.KVBucket,
			History: 1,
			TTL:     cfg.TTL,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("natsbackend: create kv bucket: %w", err)
		}
	}

	return &Backend{conn: conn, kv: kv}, nil
}

func (b *Backend) CounterInitIfAbsent(ctx context.Context, key string) error {
	_, err := b.kv.Create(sanitizeKey(key), []byte("0"))
	if errors.Is(err, nats.ErrKeyExists) {
		return nil
	}
	return err
}

// CounterIncr performs an optimistic read-modify-write loop, since JetStream
// KV has no native atomic increment. Bounded retries guard against
// pathological contention.
func (b *Backend) CounterIncr(ctx context.Context, key string) (int64, error) {
	k := sanitizeKey(key)
	const maxAttempts = 20
	for attempt := 0; attempt < maxAttempts; attempt++ {
		entry, err := b.kv.Get(k)
		var cur int64
		var revision uint64
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			cur, revision = 0, 0
		case err != nil:
			return 0, err
		default:
			cur, err = strconv.ParseInt(string(entry.Value()), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("natsbackend: corrupt counter value: %w", err)
			}
			revision = entry.Revision()
		}

		next := cur + 1
		nextBytes := []byte(strconv.FormatInt(next, 10))

		if revision == 0 {
			if _, err := b.kv.Create(k, nextBytes); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue // lost the race with another incrementer, retry
				}
				return 0, err
			}
			return next, nil
		}

		if _, err := b.kv.Update(k, nextBytes, revision); err != nil {
			continue // stale revision, retry
		}
		return next, nil
	}
	return 0, fmt.Errorf("natsbackend: counter_incr: too much contention on %s", key)
}

func (b *Backend) CounterGet(ctx context.Context, key string) (int64, error) {
	entry, err := b.kv.Get(sanitizeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, backend.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(entry.Value()), 10, 64)
}

func (b *Backend) CounterDelete(ctx context.Context, key string) error {
	err := b.kv.Delete(sanitizeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

// HashPut does not apply ttl per key: NATS KV expiry is bucket-wide, so
// entries expire under the TTL the bucket was created with (Config.TTL when
// New created it), which covers counter keys as well.
func (b *Backend) HashPut(ctx context.Context, key string, frame backend.Frame, ttl int64) error {
	doc, err := json.Marshal(frameDoc{Metadata: frame.Metadata, Payload: frame.Payload})
	if err != nil {
		return fmt.Errorf("natsbackend: encode frame: %w", err)
	}
	_, err = b.kv.Put(sanitizeKey(key), doc)
	return err
}

func (b *Backend) HashGet(ctx context.Context, key string) (backend.Frame, error) {
	entry, err := b.kv.Get(sanitizeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return backend.Frame{}, backend.ErrNotFound
	}
	if err != nil {
		return backend.Frame{}, err
	}
	var doc frameDoc
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return backend.Frame{}, fmt.Errorf("natsbackend: decode frame: %w", err)
	}
	return backend.Frame{Metadata: doc.Metadata, Payload: doc.Payload}, nil
}

func (b *Backend) Publish(ctx context.Context, channel string, seq int64) error {
	return b.conn.Publish(channel, []byte(strconv.FormatInt(seq, 10)))
}

func (b *Backend) Subscribe(ctx context.Context, channel string) (backend.Subscription, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := b.conn.ChanSubscribe(channel, msgs)
	if err != nil {
		return nil, err
	}
	return newSubscription(sub, msgs), nil
}

func (b *Backend) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := b.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := sanitizeKey(prefix)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, p) {
			out = append(out, desanitizeKey(k))
		}
	}
	return out, nil
}

func (b *Backend) Close() error {
	b.conn.Close()
	return nil
}

// sanitizeKey maps the ':'-delimited key convention used across the
// backends onto NATS KV's more restrictive key grammar (no ':' allowed),
// using '.' as the separator instead.
func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func desanitizeKey(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}
