package buffer

import (
	"sync"

	"github.com/promstow/promstow/scrape"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Buffer is a bounded FIFO ring of scrape results between the scrape
// side and the storage writer. Append never blocks: when the buffer is
// full the oldest queued result is dropped to make room, preferring
// fresh data under sustained overload. Pop blocks until a result is
// available, or returns false once the buffer is closed and drained.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	data     []scrape.ScrapeResult
	head     int64
	tail     int64
	count    int64
	capacity int64
	closed   bool

	pushed  uint64
	popped  uint64
	dropped uint64
}

type Stats struct {
	Capacity int    `json:"capacity"`
	Length   int    `json:"length"`
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Buffer{
		data:     make([]scrape.ScrapeResult, capacity),
		capacity: int64(capacity),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

var _ scrape.Appender = &Buffer{}

// Append enqueues one result, dropping the oldest queued result when
// full. Appending to a closed buffer is a no-op.
func (b *Buffer) Append(r scrape.ScrapeResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if b.count >= b.capacity {
		evicted := b.data[b.tail%b.capacity]
		b.data[b.tail%b.capacity] = scrape.ScrapeResult{}
		b.tail++
		b.count--
		b.dropped++
		log.Warn("scrape buffer full, dropped oldest scrape",
			zap.Time("collected_at", evicted.CollectedAt),
			zap.Uint64("total_dropped", b.dropped))
	}

	b.data[b.head%b.capacity] = r
	b.head++
	b.count++
	b.pushed++
	b.cond.Signal()
}

// Pop removes the oldest result, blocking while the buffer is empty and
// still open. It returns false only when the buffer is closed and fully
// drained.
func (b *Buffer) Pop() (scrape.ScrapeResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.count == 0 {
		return scrape.ScrapeResult{}, false
	}

	idx := b.tail % b.capacity
	r := b.data[idx]
	b.data[idx] = scrape.ScrapeResult{}
	b.tail++
	b.count--
	b.popped++
	return r, true
}

// Close marks the producer side as finished. Buffered results remain
// poppable; Pop returns false once they are drained. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.count)
}

func (b *Buffer) Cap() int {
	return int(b.capacity)
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Capacity: int(b.capacity),
		Length:   int(b.count),
		Pushed:   b.pushed,
		Popped:   b.popped,
		Dropped:  b.dropped,
	}
}
