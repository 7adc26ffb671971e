package publish

import "sync"

// message is one buffered broker publish.
type message struct {
	topic   string
	payload []byte
}

// backlog is a fixed-capacity ring buffer of outbound messages used while
// the broker is unreachable. When full, the oldest message is dropped so
// memory stays bounded regardless of downtime length.
type backlog struct {
	mu      sync.Mutex
	buf     []message
	head    int
	size    int
	dropped int64
}

func newBacklog(capacity int) *backlog {
	if capacity <= 0 {
		capacity = 1
	}
	return &backlog{buf: make([]message, capacity)}
}

// push appends a message, evicting the oldest when full. Returns true if
// an eviction happened.
func (b *backlog) push(m message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	if b.size == len(b.buf) {
		b.head = (b.head + 1) % len(b.buf)
		b.size--
		b.dropped++
		evicted = true
	}

	b.buf[(b.head+b.size)%len(b.buf)] = m
	b.size++
	return evicted
}

// drain removes and returns all buffered messages in FIFO order.
func (b *backlog) drain() []message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]message, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.buf[(b.head+i)%len(b.buf)])
	}
	b.head = 0
	b.size = 0
	return out
}

// requeue puts unflushed messages back at the front, preserving order.
func (b *backlog) requeue(msgs []message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(msgs) - 1; i >= 0; i-- {
		if b.size == len(b.buf) {
			// Re-inserting into a full ring: the re-queued message is older
			// than everything buffered, so drop it rather than newer data.
			b.dropped++
			continue
		}
		b.head = (b.head - 1 + len(b.buf)) % len(b.buf)
		b.buf[b.head] = msgs[i]
		b.size++
	}
}

func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *backlog) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
