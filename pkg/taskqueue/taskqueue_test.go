package taskqueue

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestDispatchDedupes(t *testing.T) {
	RegisterTestingT(t)

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup

	q := New(func(key string) {
		mu.Lock()
		counts[key]++
		mu.Unlock()
		wg.Done()
	}, 0)
	defer q.Stop()

	// Dispatch before the worker starts, so all three calls land while
	// "a" is still pending.
	wg.Add(1)
	q.Dispatch("a")
	q.Dispatch("a")
	q.Dispatch("a")
	go q.Run()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	Expect(counts["a"]).To(Equal(1))
}

func TestDispatchDistinctKeysBothRun(t *testing.T) {
	RegisterTestingT(t)

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	wg.Add(2)

	q := New(func(key string) {
		mu.Lock()
		seen[key] = true
		mu.Unlock()
		wg.Done()
	}, 0)
	go q.Run()
	defer q.Stop()

	q.Dispatch("a")
	q.Dispatch("b")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	Expect(seen["a"]).To(BeTrue())
	Expect(seen["b"]).To(BeTrue())
}

func TestInitDelayDefersFirstRun(t *testing.T) {
	RegisterTestingT(t)

	start := time.Now()
	done := make(chan time.Time, 1)

	q := New(func(key string) {
		done <- time.Now()
	}, 200*time.Millisecond)
	go q.Run()
	defer q.Stop()

	q.Dispatch("a")
	ranAt := <-done
	Expect(ranAt.Sub(start)).To(BeNumerically(">=", 150*time.Millisecond))
}
