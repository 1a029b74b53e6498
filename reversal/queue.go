// Package reversal compensates transactions whose commit phase failed:
// queued void requests are replayed against the clearing network until
// they succeed or run out of attempts.
package reversal

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"minivisa/configs"
	"minivisa/metrics"
)

// Voider releases one authorization hold remotely.
type Voider interface {
	VoidHold(ctx context.Context, txnID, pan, amount, merchantID string) error
}

// Task is one pending compensation. Only the masked PAN is carried;
// the clearing RPC never needs the clear form.
type Task struct {
	TxnID      string
	MaskedPAN  string
	Amount     string
	MerchantID string

	Attempts      int
	NextAttemptAt time.Time
}

// Queue holds compensation tasks and drains them from one consumer
// goroutine. Producers never block; the consumer sleeps on the cond
// until a task is due.
type Queue struct {
	latch sync.Mutex
	cond  *sync.Cond
	tasks []*Task
	done  bool

	voider      Voider
	mtr         *metrics.Metrics
	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time

	wg sync.WaitGroup
}

func NewQueue(v Voider, cfg *configs.Config, mtr *metrics.Metrics) *Queue {
	q := &Queue{
		voider:      v,
		mtr:         mtr,
		maxAttempts: cfg.ReversalMaxAttempts,
		baseDelay:   cfg.ReversalBaseDelay,
		now:         time.Now,
	}
	q.cond = sync.NewCond(&q.latch)
	return q
}

// Start launches the consumer goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Enqueue schedules a void for immediate attempt. Safe from any
// goroutine; never blocks.
func (q *Queue) Enqueue(txnID, maskedPAN, amount, merchantID string) {
	q.latch.Lock()
	q.tasks = append(q.tasks, &Task{
		TxnID:         txnID,
		MaskedPAN:     maskedPAN,
		Amount:        amount,
		MerchantID:    merchantID,
		NextAttemptAt: q.now(),
	})
	q.latch.Unlock()
	q.cond.Signal()
	q.mtr.IncReversalEnqueued()
	log.WithFields(log.Fields{"event": "reversal_enqueued", "txn_id": txnID, "pan": maskedPAN}).
		Info("compensation queued")
}

// Pending reports the number of queued tasks.
func (q *Queue) Pending() int {
	q.latch.Lock()
	defer q.latch.Unlock()
	return len(q.tasks)
}

// Shutdown stops the consumer. Tasks still queued are dropped; a
// production deployment resolves the rest from the transaction log.
func (q *Queue) Shutdown() {
	q.latch.Lock()
	q.done = true
	q.latch.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
}

// popDue removes and returns the earliest task whose next attempt is
// due, or nil plus the wait hint for the soonest future task.
func (q *Queue) popDue() (*Task, time.Duration) {
	now := q.now()
	best := -1
	var wait time.Duration
	for i, t := range q.tasks {
		if t.NextAttemptAt.After(now) {
			d := t.NextAttemptAt.Sub(now)
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		if best == -1 || t.NextAttemptAt.Before(q.tasks[best].NextAttemptAt) {
			best = i
		}
	}
	if best == -1 {
		return nil, wait
	}
	t := q.tasks[best]
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return t, 0
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.latch.Lock()
		var task *Task
		for {
			if q.done {
				q.latch.Unlock()
				return
			}
			var wait time.Duration
			task, wait = q.popDue()
			if task != nil {
				break
			}
			if wait == 0 {
				// Queue empty: sleep until a producer signals.
				q.cond.Wait()
				continue
			}
			// Tasks exist but none is due yet.
			q.latch.Unlock()
			time.Sleep(minDuration(wait, 50*time.Millisecond))
			q.latch.Lock()
		}
		q.latch.Unlock()
		q.attempt(task)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (q *Queue) attempt(t *Task) {
	t.Attempts++
	err := q.voider.VoidHold(context.Background(), t.TxnID, t.MaskedPAN, t.Amount, t.MerchantID)
	if err == nil {
		q.mtr.IncReversalSucceeded()
		log.WithFields(log.Fields{"event": "reversal_done", "txn_id": t.TxnID, "attempts": t.Attempts}).
			Info("hold voided")
		return
	}
	if t.Attempts >= q.maxAttempts {
		q.mtr.IncReversalFailed()
		log.WithFields(log.Fields{"event": "reversal_exhausted", "txn_id": t.TxnID, "pan": t.MaskedPAN, "attempts": t.Attempts}).
			WithError(err).Error("compensation abandoned, operator action required")
		return
	}
	t.NextAttemptAt = q.now().Add(q.baseDelay << uint(t.Attempts-1))
	q.latch.Lock()
	q.tasks = append(q.tasks, t)
	q.latch.Unlock()
	q.cond.Signal()
	configs.TxnPrint(t.TxnID, "reversal attempt %d failed, rescheduled", t.Attempts)
}
