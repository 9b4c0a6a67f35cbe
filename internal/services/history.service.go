package services

import "zfsdash/internal/models"

// DefaultCapacity keeps one hour of history at one sample per second,
// the longest window the dashboard can select.
const DefaultCapacity = 3600

// RingBuffer is a fixed-capacity FIFO of samples for a single pool.
// Appends overwrite the oldest slot once the buffer is full.
// It is not safe for concurrent use; the owning Store entry serialises access.
type RingBuffer struct {
	slots []models.Sample
	head  int // index of the oldest sample
	size  int
}

// NewRingBuffer allocates a buffer holding at most capacity samples
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{slots: make([]models.Sample, capacity)}
}

// Append adds a sample, evicting the oldest one when the buffer is full.
// Timestamps are not checked; samples are kept in arrival order.
func (rb *RingBuffer) Append(s models.Sample) {
	capacity := len(rb.slots)
	if rb.size < capacity {
		rb.slots[(rb.head+rb.size)%capacity] = s
		rb.size++
		return
	}
	rb.slots[rb.head] = s
	rb.head = (rb.head + 1) % capacity
}

// Snapshot returns a copy of the most recent min(maxCount, Len()) samples,
// oldest first.
func (rb *RingBuffer) Snapshot(maxCount int) []models.Sample {
	n := maxCount
	if n > rb.size {
		n = rb.size
	}
	if n <= 0 {
		return []models.Sample{}
	}

	out := make([]models.Sample, n)
	capacity := len(rb.slots)
	start := (rb.head + rb.size - n) % capacity
	first := copy(out, rb.slots[start:min(start+n, capacity)])
	copy(out[first:], rb.slots[:n-first])
	return out
}

// Latest returns the newest sample, if any
func (rb *RingBuffer) Latest() (models.Sample, bool) {
	if rb.size == 0 {
		return models.Sample{}, false
	}
	return rb.slots[(rb.head+rb.size-1)%len(rb.slots)], true
}

// Len returns the number of buffered samples
func (rb *RingBuffer) Len() int {
	return rb.size
}

// Cap returns the fixed capacity
func (rb *RingBuffer) Cap() int {
	return len(rb.slots)
}
