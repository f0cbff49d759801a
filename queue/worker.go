package queue

import (
	"container/heap"
	"context"
	"time"
)

// Start launches the drain loop goroutine.
func (q *RequestQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.run(ctx)
}

// Stop gracefully stops the drain loop, waiting for an in-flight batch to
// finish. Safe to call on a queue that was never started.
func (q *RequestQueue) Stop() error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.mu.Unlock()

	close(q.stopChan)
	<-q.stoppedChan
	return nil
}

// run wakes on every drain interval, prunes stale terminal entries, and
// processes a batch while admission holds.
func (q *RequestQueue) run(ctx context.Context) {
	defer close(q.stoppedChan)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.log.Info("Drain loop started", "interval", q.interval, "batch_size", q.batchSize)

	for {
		select {
		case <-q.stopChan:
			q.log.Info("Drain loop stopping")
			return
		case <-ctx.Done():
			q.log.Info("Drain loop context cancelled")
			return
		case <-ticker.C:
			q.DrainOnce(ctx)
		}
	}
}

// DrainOnce runs a single drain pass: expired entries are marked and
// dropped, then up to one batch of pending entries executes in priority
// order. When admission fails mid-batch the unprocessed remainder returns to
// Pending. Exposed for the drain loop and for tests.
func (q *RequestQueue) DrainOnce(ctx context.Context) {
	batch := q.takeBatch()
	if len(batch) == 0 {
		return
	}

	for i, e := range batch {
		if !q.admit(e.req.Model) {
			q.requeue(batch[i:])
			q.log.Info("Quota exhausted mid-batch, requeued remainder",
				"requeued", len(batch)-i)
			return
		}
		q.process(ctx, e)
	}
}

// takeBatch pops up to batchSize non-expired entries, marking them
// Processing. Expired entries encountered on the way are terminal
// immediately and never execute.
func (q *RequestQueue) takeBatch() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.pruneLocked(now)

	var batch []*entry
	for len(batch) < q.batchSize && q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)
		if e.req.expired(now) {
			e.req.Status = Expired
			e.req.CompletedAt = now
			q.expired++
			q.log.Debug("Request expired", "id", e.req.ID, "operation", e.req.Operation)
			continue
		}
		e.req.Status = Processing
		batch = append(batch, e)
	}
	return batch
}

// requeue returns popped-but-unprocessed entries to Pending.
func (q *RequestQueue) requeue(entries []*entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range entries {
		e.req.Status = Pending
		heap.Push(&q.pending, e)
	}
}

// process runs one callback outside the lock and records its outcome. A
// failing callback marks the request Failed and never stops the loop.
func (q *RequestQueue) process(ctx context.Context, e *entry) {
	var err error
	if e.fn != nil {
		err = e.fn(ctx)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e.req.CompletedAt = q.now()
	if err != nil {
		e.req.Status = Failed
		e.req.Error = err.Error()
		q.failed++
		q.log.Warn("Queued request failed",
			"id", e.req.ID, "operation", e.req.Operation, "error", err)
		return
	}
	e.req.Status = Completed
	q.completed++
	q.log.Debug("Queued request completed", "id", e.req.ID, "operation", e.req.Operation)
}

// pruneLocked drops terminal entries older than the retention window from
// the id index.
func (q *RequestQueue) pruneLocked(now time.Time) {
	for id, e := range q.byID {
		if e.req.Status.terminal() && now.Sub(e.req.CompletedAt) >= q.retention {
			delete(q.byID, id)
		}
	}
}
