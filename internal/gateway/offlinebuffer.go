package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aethercore/aethercore/internal/common"
	"github.com/aethercore/aethercore/internal/store"
)

const bufferKeyPrefix = "gateway/buffer/"
const checkpointKeyPrefix = "gateway/checkpoint/"

// OfflineBuffer is a bounded, in-memory FIFO queue per target node.
// Only the resync checkpoint is written to badger; buffered commands
// are held in memory and do not survive a restart. On overflow the
// oldest command is dropped and the drop is counted, never silently
// discarded without a trace.
type OfflineBuffer struct {
	store    *store.Store
	logger   *zap.Logger
	capacity int

	mu       sync.Mutex
	queues   map[common.NodeId][]Command
	dropped  map[common.NodeId]uint64
}

func NewOfflineBuffer(st *store.Store, logger *zap.Logger, capacity int) *OfflineBuffer {
	return &OfflineBuffer{
		store:    st,
		logger:   logger,
		capacity: capacity,
		queues:   make(map[common.NodeId][]Command),
		dropped:  make(map[common.NodeId]uint64),
	}
}

// Enqueue appends cmd to target's buffer, dropping the oldest entry and
// raising an alarm if the buffer is already at capacity.
func (b *OfflineBuffer) Enqueue(target common.NodeId, cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[target]
	if len(q) >= b.capacity {
		q = q[1:]
		b.dropped[target]++
		b.logger.Error("offline buffer overflow, dropping oldest command",
			zap.String("target", target.Hex()), zap.Uint64("dropped_total", b.dropped[target]))
	}
	q = append(q, cmd)
	b.queues[target] = q
}

// Len reports the current depth of target's buffer.
func (b *OfflineBuffer) Len(target common.NodeId) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[target])
}

// Drain returns and clears target's buffer in FIFO order.
func (b *OfflineBuffer) Drain(target common.NodeId) []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[target]
	delete(b.queues, target)
	return q
}

// SealCheckpoint persists headHash as the checkpoint a reconnecting
// link must chain to before the buffer may be drained.
func (b *OfflineBuffer) SealCheckpoint(target common.NodeId, headHash common.Digest32) error {
	return b.store.Set(append([]byte(checkpointKeyPrefix), target[:]...), headHash[:])
}

// Checkpoint returns the sealed checkpoint hash for target, if any.
func (b *OfflineBuffer) Checkpoint(target common.NodeId) (common.Digest32, bool, error) {
	raw, found, err := b.store.Get(append([]byte(checkpointKeyPrefix), target[:]...))
	if err != nil {
		return common.Digest32{}, false, fmt.Errorf("gateway: loading checkpoint: %w", err)
	}
	if !found || len(raw) != 32 {
		return common.Digest32{}, false, nil
	}
	var out common.Digest32
	copy(out[:], raw)
	return out, true, nil
}

// persist snapshots target's in-memory queue to badger under
// bufferKeyPrefix. Nothing in this package calls it, and no snapshot
// is read back into the queue.
func (b *OfflineBuffer) persist(target common.NodeId) error {
	b.mu.Lock()
	q := append([]Command(nil), b.queues[target]...)
	b.mu.Unlock()

	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("gateway: marshalling offline buffer: %w", err)
	}
	return b.store.Set(append([]byte(bufferKeyPrefix), target[:]...), raw)
}
