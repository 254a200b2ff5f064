package session

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is saturated.
	ErrQueueFull = errors.New("prompt queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("prompt queue closed")
)

// Queue is the bounded FIFO of pending prompts for one session. One producer
// side (any attached client) and one consumer (the turn runner).
type Queue struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
}

// NewQueue creates a queue with the given capacity (minimum 1).
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan string, capacity)}
}

// Enqueue appends a prompt without blocking. Fails with ErrQueueFull when
// saturated or ErrQueueClosed after Close.
func (q *Queue) Enqueue(prompt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- prompt:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue yields the next prompt, blocking until one is available, the
// context ends, or the queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case prompt, ok := <-q.ch:
		if !ok {
			return "", ErrQueueClosed
		}
		return prompt, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close wakes all waiters. Buffered prompts remain dequeueable; further
// enqueues fail. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
}

// Len reports the number of queued prompts.
func (q *Queue) Len() int {
	return len(q.ch)
}
