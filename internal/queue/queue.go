// Package queue serializes prompt turns per session: one worker goroutine
// per session drains a bounded channel, so at most one turn is in flight per
// session while different sessions run concurrently.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
)

var ErrQueueFull = errors.New("prompt queue full")

type Task func(context.Context)

type Queue struct {
	logger    *log.Logger
	queueSize int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

type worker struct {
	ch chan Task
}

func New(logger *log.Logger, queueSize int) *Queue {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Queue{
		logger:    logger,
		queueSize: queueSize,
		workers:   make(map[string]*worker),
	}
}

// Enqueue hands the task to the session's worker, rejecting with
// ErrQueueFull when the session's bound is hit. The send happens under the
// same lock Remove and Close hold while closing worker channels, so a worker
// channel is never sent on after it is closed.
func (q *Queue) Enqueue(sessionID string, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("prompt queue is closed")
	}

	w, ok := q.workers[sessionID]
	if !ok {
		w = &worker{ch: make(chan Task, q.queueSize)}
		q.workers[sessionID] = w
		go func() {
			for task := range w.ch {
				task(context.Background())
			}
		}()
	}

	select {
	case w.ch <- task:
		return nil
	default:
		q.logger.Printf("prompt queue full session_id=%s", sessionID)
		return ErrQueueFull
	}
}

// Remove drops the session's worker after its queued tasks drain. Called
// when the session is deleted.
func (q *Queue) Remove(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[sessionID]; ok {
		delete(q.workers, sessionID)
		close(w.ch)
	}
}

// Close stops all workers. Queued tasks still drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, w := range q.workers {
		delete(q.workers, id)
		close(w.ch)
	}
}
