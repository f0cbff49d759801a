// Package queue holds deferred inference work that could not be admitted
// immediately. A binary heap ordered by (priority, arrival) backs pop order
// and an id-indexed map gives O(1) lookup, cancel, and reprioritize. A
// background drain loop executes entries in small batches whenever quota
// allows; a denial therefore means "hold until capacity returns", never
// "drop".
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gil906/witnessreplay-inference/logging"
)

// Priority orders queued requests; Critical drains first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is a queued request's lifecycle state.
type Status int

const (
	Pending Status = iota
	Processing
	Completed
	Failed
	Expired
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// terminal reports whether the state can no longer change.
func (s Status) terminal() bool {
	return s == Completed || s == Failed || s == Expired || s == Cancelled
}

// Request is the public snapshot of one queued entry. The deferred callback
// is held internally and never exposed.
type Request struct {
	ID          string        `json:"id"`
	Operation   string        `json:"operation"`
	Model       string        `json:"model,omitempty"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	TTL         time.Duration `json:"ttl,omitempty"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// expired reports whether the request aged past its TTL; zero TTL never
// expires.
func (r Request) expired(now time.Time) bool {
	return r.TTL > 0 && now.Sub(r.EnqueuedAt) >= r.TTL
}

type entry struct {
	req   Request
	fn    Callback
	seq   uint64
	index int // heap position, -1 once popped
}

// entryHeap orders pending entries by priority, then arrival.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Stats summarizes the queue for the status surface. Counters are cumulative
// since construction.
type Stats struct {
	Depth      int            `json:"depth"`
	ByPriority map[string]int `json:"by_priority"`
	Processing int            `json:"processing"`
	Completed  uint64         `json:"completed"`
	Failed     uint64         `json:"failed"`
	Expired    uint64         `json:"expired"`
	Cancelled  uint64         `json:"cancelled"`
	Rejected   uint64         `json:"rejected"`
}

// Callback is the deferred work a queued request runs on admission.
type Callback func(ctx context.Context) error

// AdmitFunc reports whether a call for the model may proceed right now.
type AdmitFunc func(model string) bool

// Options tunes a RequestQueue; zero values select the defaults.
type Options struct {
	Capacity      int
	DrainInterval time.Duration
	BatchSize     int
	Retention     time.Duration
}

const (
	defaultCapacity      = 200
	defaultDrainInterval = 3 * time.Second
	defaultBatchSize     = 5
	defaultRetention     = 5 * time.Minute
)

// RequestQueue owns the heap, the id index, and the drain loop. All state
// sits behind one mutex; callbacks run outside it.
type RequestQueue struct {
	admit     AdmitFunc
	capacity  int
	interval  time.Duration
	batchSize int
	retention time.Duration
	log       *logging.Logger

	mu      sync.Mutex
	pending entryHeap
	byID    map[string]*entry
	seq     uint64
	now     func() time.Time

	completed uint64
	failed    uint64
	expired   uint64
	cancelled uint64
	rejected  uint64

	started     bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// New returns a stopped RequestQueue; call Start to run the drain loop.
// admit may be nil, which admits unconditionally.
func New(admit AdmitFunc, opts Options) *RequestQueue {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	interval := opts.DrainInterval
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	if admit == nil {
		admit = func(string) bool { return true }
	}

	return &RequestQueue{
		admit:       admit,
		capacity:    capacity,
		interval:    interval,
		batchSize:   batchSize,
		retention:   retention,
		log:         logging.New("queue"),
		byID:        make(map[string]*entry),
		now:         time.Now,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Enqueue registers a deferred callback under the given operation name. The
// model name is what the drain loop re-checks admission against; empty skips
// the check. Returns ErrQueueFull at the capacity ceiling.
func (q *RequestQueue) Enqueue(operation, model string, priority Priority, ttl time.Duration, fn Callback) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.capacity {
		q.rejected++
		return Request{}, ErrQueueFull
	}

	q.seq++
	e := &entry{
		req: Request{
			ID:         uuid.NewString(),
			Operation:  operation,
			Model:      model,
			Priority:   priority,
			Status:     Pending,
			EnqueuedAt: q.now(),
			TTL:        ttl,
		},
		fn:  fn,
		seq: q.seq,
	}

	heap.Push(&q.pending, e)
	q.byID[e.req.ID] = e

	q.log.Debug("Request enqueued",
		"id", e.req.ID, "operation", operation, "priority", priority, "depth", len(q.pending))
	return e.req, nil
}

// StatusOf returns a snapshot of the request.
func (q *RequestQueue) StatusOf(id string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return e.req, nil
}

// Cancel removes a Pending request from the heap. A request already popped
// for processing runs to completion and cannot be cancelled.
func (q *RequestQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.req.Status != Pending {
		return ErrNotPending
	}

	heap.Remove(&q.pending, e.index)
	e.req.Status = Cancelled
	e.req.CompletedAt = q.now()
	q.cancelled++

	q.log.Debug("Request cancelled", "id", id)
	return nil
}

// Reprioritize moves a Pending request to a new priority, keeping its
// original arrival order within that priority.
func (q *RequestQueue) Reprioritize(id string, p Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.req.Status != Pending {
		return ErrNotPending
	}

	e.req.Priority = p
	heap.Fix(&q.pending, e.index)
	return nil
}

// Stats returns the current depth and cumulative outcome counters.
func (q *RequestQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[string]int, 4)
	for _, e := range q.pending {
		byPriority[e.req.Priority.String()]++
	}

	processing := 0
	for _, e := range q.byID {
		if e.req.Status == Processing {
			processing++
		}
	}

	return Stats{
		Depth:      len(q.pending),
		ByPriority: byPriority,
		Processing: processing,
		Completed:  q.completed,
		Failed:     q.failed,
		Expired:    q.expired,
		Cancelled:  q.cancelled,
		Rejected:   q.rejected,
	}
}
