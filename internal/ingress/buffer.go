package ingress

import (
	"sync"

	"github.com/google/uuid"

	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/metrics"
	"github.com/openibank/openmatch/pkg/models"
)

// PendingBuffer collects validated orders during COLLECT. Each admitted
// order is stamped with a monotonic sequence number; the sequence, not the
// wall clock, is the canonical tiebreaker downstream. Seal is one-shot and
// Drain is only permitted afterwards.
type PendingBuffer struct {
	mu       sync.Mutex
	orders   []*models.Order
	index    map[uuid.UUID]int
	nextSeq  uint64
	sealed   bool
	capacity int
}

// NewPendingBuffer creates a buffer bounded at capacity orders.
func NewPendingBuffer(capacity int) *PendingBuffer {
	return &PendingBuffer{
		orders:   make([]*models.Order, 0, capacity),
		index:    make(map[uuid.UUID]int),
		capacity: capacity,
	}
}

// Push admits an order, stamping its sequence. Fails once sealed or full.
func (b *PendingBuffer) Push(o *models.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return errors.ErrBufferSealed
	}
	if len(b.orders) >= b.capacity {
		return errors.ErrBufferFull.Explain("buffer at capacity %d", b.capacity)
	}
	if _, exists := b.index[o.ID]; exists {
		return errors.ErrDuplicateOrder.Explain("order %s already buffered", o.ID)
	}

	o.Sequence = b.nextSeq
	b.nextSeq++
	b.index[o.ID] = len(b.orders)
	b.orders = append(b.orders, o)
	metrics.BufferDepth.Set(float64(len(b.orders)))
	return nil
}

// Remove takes an order out of the buffer before sealing (cancellation).
func (b *PendingBuffer) Remove(id uuid.UUID) (*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return nil, errors.ErrBufferSealed
	}
	i, ok := b.index[id]
	if !ok {
		return nil, errors.ErrOrderNotFound.Explain("order %s not in buffer", id)
	}
	o := b.orders[i]
	b.orders = append(b.orders[:i], b.orders[i+1:]...)
	delete(b.index, id)
	for j := i; j < len(b.orders); j++ {
		b.index[b.orders[j].ID] = j
	}
	metrics.BufferDepth.Set(float64(len(b.orders)))
	return o, nil
}

// Seal freezes the buffer. One-shot: sealing twice fails.
func (b *PendingBuffer) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return errors.ErrBufferSealed
	}
	b.sealed = true
	return nil
}

// Drain returns and clears the buffered orders. Only valid after Seal.
func (b *PendingBuffer) Drain() ([]*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.sealed {
		return nil, errors.ErrInternal.Explain("cannot drain an unsealed buffer")
	}
	orders := b.orders
	b.orders = nil
	b.index = make(map[uuid.UUID]int)
	metrics.BufferDepth.Set(0)
	return orders, nil
}

// Reset prepares the buffer for the next epoch. The sequence counter keeps
// climbing across epochs.
func (b *PendingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.orders = make([]*models.Order, 0, b.capacity)
	b.index = make(map[uuid.UUID]int)
	b.sealed = false
	metrics.BufferDepth.Set(0)
}

// Len returns the number of buffered orders.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// IsSealed reports whether the buffer has been sealed.
func (b *PendingBuffer) IsSealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}
