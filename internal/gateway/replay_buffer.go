package gateway

import "sync"

// ReplayBuffer is a fixed-size ring of recent envelopes keyed by their
// broadcast sequence number. A reconnecting client that reports its last
// seen sequence is backfilled from it when the gap is still covered.
type ReplayBuffer struct {
	mu   sync.RWMutex
	seqs []int64
	data [][]byte
	pos  int // next write position
	n    int
}

// NewReplayBuffer creates a replay buffer with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{
		seqs: make([]int64, capacity),
		data: make([][]byte, capacity),
	}
}

// Push records an envelope, overwriting the oldest when full. Sequence
// numbers must be pushed in increasing order.
func (rb *ReplayBuffer) Push(seq int64, envelope []byte) {
	cp := make([]byte, len(envelope))
	copy(cp, envelope)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.seqs[rb.pos] = seq
	rb.data[rb.pos] = cp
	rb.pos = (rb.pos + 1) % len(rb.seqs)
	if rb.n < len(rb.seqs) {
		rb.n++
	}
}

// Since returns every envelope with a sequence greater than after, oldest
// first. ok is false when the buffer no longer holds after+1, meaning the
// caller missed more than can be replayed.
func (rb *ReplayBuffer) Since(after int64) (out [][]byte, ok bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.n == 0 {
		return nil, after == 0
	}
	if oldest := rb.seqs[rb.index(0)]; oldest > after+1 {
		return nil, false
	}
	for i := 0; i < rb.n; i++ {
		idx := rb.index(i)
		if rb.seqs[idx] > after {
			out = append(out, rb.data[idx])
		}
	}
	return out, true
}

// Range returns envelopes with seq in [from, to], oldest first.
func (rb *ReplayBuffer) Range(from, to int64) [][]byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	var out [][]byte
	for i := 0; i < rb.n; i++ {
		idx := rb.index(i)
		if s := rb.seqs[idx]; s >= from && s <= to {
			out = append(out, rb.data[idx])
		}
	}
	return out
}

// Len returns the number of entries currently in the buffer.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}

// index converts a logical index (0 = oldest) to a physical one.
func (rb *ReplayBuffer) index(logical int) int {
	if rb.n < len(rb.seqs) {
		return logical
	}
	return (rb.pos + logical) % len(rb.seqs)
}
