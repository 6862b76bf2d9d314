package async

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestProcessorQueueDrainsOnShutdown(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	q := NewProcessorQueue(func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job.Path)
		return nil
	}, nil, WithWorkers(3), WithQueueSize(2))

	want := []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf"}
	for _, p := range want {
		if err := q.Enqueue(context.Background(), Job{Path: p}); err != nil {
			t.Fatalf("Enqueue(%s): %v", p, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	sort.Strings(seen)
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("processed mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessorQueueRejectsAfterShutdown(t *testing.T) {
	q := NewProcessorQueue(func(context.Context, Job) error { return nil }, nil)
	q.Shutdown(context.Background())
	q.Shutdown(context.Background())

	if err := q.Enqueue(context.Background(), Job{Path: "late.pdf"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after shutdown = %v, want ErrQueueClosed", err)
	}
}

func TestProcessorQueueSurvivesFailures(t *testing.T) {
	done := make(chan string, 3)
	q := NewProcessorQueue(func(_ context.Context, job Job) error {
		defer func() { done <- job.Path }()
		switch job.Path {
		case "panic.pdf":
			panic("boom")
		case "fail.pdf":
			return errors.New("render failed")
		}
		return nil
	}, nil, WithWorkers(1))

	for _, p := range []string{"panic.pdf", "fail.pdf", "ok.pdf"} {
		if err := q.Enqueue(context.Background(), Job{Path: p}); err != nil {
			t.Fatal(err)
		}
	}
	q.Shutdown(context.Background())
	if len(done) != 3 {
		t.Errorf("handled %d jobs, want 3", len(done))
	}
}

func TestProcessorQueueTimeout(t *testing.T) {
	got := make(chan error, 1)
	q := NewProcessorQueue(func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}, nil, WithProcessTimeout(10*time.Millisecond))

	if err := q.Enqueue(context.Background(), Job{Path: "slow.pdf"}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("handler ctx err = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never timed out")
	}
	q.Shutdown(context.Background())
}
