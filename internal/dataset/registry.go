// Package dataset implements the Dataset Registry: dataset allocation,
// existence checks, and teardown.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/NSLS2/test-redis-ws/internal/backend"
)

// ErrNotFound is returned by Delete when the dataset does not currently
// exist: the second of two successive deletes returns this.
var ErrNotFound = errors.New("dataset: not found")

const seqKeyPrefix = "seq_num:"

// SeqKey returns the backend counter key for a dataset id.
func SeqKey(nodeID string) string {
	return seqKeyPrefix + nodeID
}

// DataKey returns the backend hash key for one frame of a dataset.
func DataKey(nodeID string, seq int64) string {
	return fmt.Sprintf("data:%s:%d", nodeID, seq)
}

// NotifyChannel returns the backend pub/sub channel for a dataset's live
// notifications.
func NotifyChannel(nodeID string) string {
	return "notify:" + nodeID
}

// Registry allocates, looks up, and tears down per-dataset state.
type Registry struct {
	backend backend.Adapter
}

// New returns a Registry backed by adapter.
func New(adapter backend.Adapter) *Registry {
	return &Registry{backend: adapter}
}

// Create allocates a new dataset with a random node_id in [0, 10^6). A
// collision with a live id is tolerated silently since CounterInitIfAbsent
// is idempotent.
func (r *Registry) Create(ctx context.Context) (string, error) {
	nodeID := strconv.Itoa(rand.IntN(1_000_000))
	if err := r.backend.CounterInitIfAbsent(ctx, SeqKey(nodeID)); err != nil {
		return "", fmt.Errorf("dataset: create: %w", err)
	}
	return nodeID, nil
}

// Delete ends a dataset's lifetime. The first call against a live dataset
// returns nil; a second call against the same id returns ErrNotFound: a
// pinned 204-then-404 contract.
func (r *Registry) Delete(ctx context.Context, nodeID string) error {
	_, err := r.backend.CounterGet(ctx, SeqKey(nodeID))
	if errors.Is(err, backend.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return r.backend.CounterDelete(ctx, SeqKey(nodeID))
}

// Exists reports whether a dataset is currently live.
func (r *Registry) Exists(ctx context.Context, nodeID string) (bool, error) {
	_, err := r.backend.CounterGet(ctx, SeqKey(nodeID))
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NextSeq returns the dataset's current counter value, or 0 if the dataset
// does not exist (e.g. a subscriber connecting without a seq_num against a
// dataset whose counter has not yet been touched).
func (r *Registry) NextSeq(ctx context.Context, nodeID string) (int64, error) {
	v, err := r.backend.CounterGet(ctx, SeqKey(nodeID))
	if errors.Is(err, backend.ErrNotFound) {
		return 0, nil
	}
	return v, err
}

// ListLive returns the set of dataset ids currently present under the
// seq_num: prefix. May be eventually consistent with concurrent deletes.
func (r *Registry) ListLive(ctx context.Context) ([]string, error) {
	keys, err := r.backend.KeysWithPrefix(ctx, seqKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("dataset: list_live: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, seqKeyPrefix))
	}
	return ids, nil
}
