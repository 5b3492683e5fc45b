package scheduler

import (
	"context"

	"github.com/sirupsen/logrus"
)

// RunQueue is an in-memory FIFO queue for on-demand sync runs, fed by the
// webhook receiver. Runs execute sequentially so a webhook burst cannot
// fan out into concurrent fetches against the same project.
type RunQueue struct {
	ch     chan func()
	logger *logrus.Entry
}

// NewRunQueue creates a queue with the given buffer size.
func NewRunQueue(bufferSize int, logger *logrus.Entry) *RunQueue {
	if bufferSize < 1 {
		bufferSize = 16
	}
	return &RunQueue{
		ch:     make(chan func(), bufferSize),
		logger: logger.WithField("component", "run_queue"),
	}
}

// Enqueue adds fn for asynchronous execution. If the queue is full the
// run is dropped with a warning; the next interval tick covers the same
// window anyway.
func (q *RunQueue) Enqueue(fn func()) {
	select {
	case q.ch <- fn:
		q.logger.Debug("run enqueued")
	default:
		q.logger.Warn("run queue full, dropping on-demand run")
	}
}

// Start processes queued runs sequentially until ctx is cancelled.
func (q *RunQueue) Start(ctx context.Context) {
	q.logger.Info("run queue started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("run queue stopping (context cancelled)")
			return
		case fn := <-q.ch:
			func() {
				defer func() {
					if r := recover(); r != nil {
						q.logger.WithField("panic", r).Error("queued run panicked")
					}
				}()
				fn()
			}()
		}
	}
}
