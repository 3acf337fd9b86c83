// ABOUTME: Timestamp-based release scheduler
// ABOUTME: Reorders decoded packets and hands them to the pipeline at their play time
package player

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/Sendspin/twsync/internal/audio"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Lead releases a buffer this long before its local play time.
	Lead time.Duration
	// LateLimit drops buffers released later than this past their play time.
	LateLimit time.Duration
	// Interval is the polling period of Run.
	Interval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler holds decoded buffers until they are due
type Scheduler struct {
	lead     time.Duration
	late     time.Duration
	interval time.Duration
	now      func() time.Time
	output   chan audio.Buffer

	mu      sync.Mutex
	bufferQ *BufferQueue
	stats   SchedulerStats
}

// SchedulerStats tracks scheduler metrics
type SchedulerStats struct {
	Received int64
	Released int64
	Dropped  int64
}

// NewScheduler creates a release scheduler
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.LateLimit <= 0 {
		cfg.LateLimit = 50 * time.Millisecond
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		lead:     cfg.Lead,
		late:     cfg.LateLimit,
		interval: cfg.Interval,
		now:      cfg.Now,
		output:   make(chan audio.Buffer, 64),
		bufferQ:  NewBufferQueue(),
	}
}

// Schedule adds a buffer whose LocalAt has been set
func (s *Scheduler) Schedule(buf audio.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stats.Received < 3 {
		log.Printf("Scheduled buffer #%d: seq=%d, delay=%v",
			s.stats.Received, buf.Seq, buf.LocalAt.Sub(s.now()))
	}
	s.stats.Received++
	heap.Push(s.bufferQ, buf)
}

// Run releases due buffers until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, buf := range s.Due() {
				select {
				case s.output <- buf:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Due pops every buffer that should be handed to the pipeline now, in play
// order. Buffers that are too late are dropped.
func (s *Scheduler) Due() []audio.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []audio.Buffer
	for s.bufferQ.Len() > 0 {
		buf := s.bufferQ.Peek()
		delay := buf.LocalAt.Sub(now)

		if delay > s.lead {
			break
		}
		heap.Pop(s.bufferQ)
		if delay < -s.late {
			s.stats.Dropped++
			log.Printf("Dropped late buffer seq=%d: %v late", buf.Seq, -delay)
			continue
		}
		s.stats.Released++
		out = append(out, buf)
	}
	return out
}

// Flush discards everything queued, e.g. before a restarted stream.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.bufferQ.Len()
	s.bufferQ.items = s.bufferQ.items[:0]
	for {
		select {
		case <-s.output:
			n++
		default:
			return n
		}
	}
}

// Pending returns the number of queued buffers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferQ.Len()
}

// Output returns the output channel
func (s *Scheduler) Output() <-chan audio.Buffer {
	return s.output
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// BufferQueue is a priority queue for audio buffers
type BufferQueue struct {
	items []audio.Buffer
}

func NewBufferQueue() *BufferQueue {
	q := &BufferQueue{}
	heap.Init(q)
	return q
}

// Implement heap.Interface
func (q *BufferQueue) Len() int { return len(q.items) }

func (q *BufferQueue) Less(i, j int) bool {
	return q.items[i].LocalAt.Before(q.items[j].LocalAt)
}

func (q *BufferQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *BufferQueue) Push(x interface{}) {
	q.items = append(q.items, x.(audio.Buffer))
}

func (q *BufferQueue) Pop() interface{} {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

func (q *BufferQueue) Peek() audio.Buffer {
	return q.items[0]
}
