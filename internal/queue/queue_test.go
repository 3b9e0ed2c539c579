package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestQueueOrderingPerSession(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	got := make([]string, 0, 3)
	var mu sync.Mutex
	done := make(chan struct{}, 3)
	record := func(name string) Task {
		return func(context.Context) {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			done <- struct{}{}
		}
	}

	q := New(logger, 16)
	defer q.Close()

	for _, name := range []string{"t1", "t2", "t3"} {
		if err := q.Enqueue("s1", record(name)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for queued tasks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"t1", "t2", "t3"}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("unexpected order: want=%v got=%v", want, got)
	}
}

func TestQueueFull(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	block := make(chan struct{})
	started := make(chan struct{}, 1)

	blocker := func(context.Context) {
		started <- struct{}{}
		<-block
	}

	q := New(logger, 1)
	defer q.Close()

	if err := q.Enqueue("s1", blocker); err != nil {
		t.Fatalf("enqueue first failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for worker start")
	}
	if err := q.Enqueue("s1", func(context.Context) {}); err != nil {
		t.Fatalf("enqueue second failed: %v", err)
	}
	if err := q.Enqueue("s1", func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestQueueSessionsRunConcurrently(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	q := New(logger, 4)
	defer q.Close()

	block := make(chan struct{})
	s2Done := make(chan struct{})

	if err := q.Enqueue("s1", func(context.Context) { <-block }); err != nil {
		t.Fatalf("enqueue s1: %v", err)
	}
	if err := q.Enqueue("s2", func(context.Context) { close(s2Done) }); err != nil {
		t.Fatalf("enqueue s2: %v", err)
	}

	select {
	case <-s2Done:
	case <-time.After(2 * time.Second):
		t.Fatalf("s2 task blocked behind s1")
	}
	close(block)
}

func TestQueueEnqueueConcurrentWithRemove(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	q := New(logger, 4)
	defer q.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// ErrQueueFull and post-removal re-creation are both
				// fine; sending on a closed channel is not.
				_ = q.Enqueue("s1", func(context.Context) {})
			}
		}()
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		q.Remove("s1")
	}
	close(stop)
	wg.Wait()
}

func TestQueueEnqueueConcurrentWithClose(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	q := New(logger, 4)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				_ = q.Enqueue("s1", func(context.Context) {})
			}
		}(i)
	}

	close(start)
	q.Close()
	wg.Wait()

	if err := q.Enqueue("s1", func(context.Context) {}); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestQueueClosedRejectsEnqueue(t *testing.T) {
	q := New(log.New(io.Discard, "", 0), 4)
	q.Close()
	if err := q.Enqueue("s1", func(context.Context) {}); err == nil {
		t.Fatalf("expected error after close")
	}
}
