package scheduler

import (
	"errors"
	"sync"
	"testing"
)

func TestPopIsLIFO(t *testing.T) {
	q := New()
	q.Push("a")
	q.Push("b")
	q.Push("c")

	for _, want := range []string{"c", "b", "a"} {
		got, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if got != want {
			t.Errorf("Pop() = %s, want %s", got, want)
		}
	}
}

func TestPopEmpty(t *testing.T) {
	q := New()
	if _, err := q.Pop(); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("Expected ErrEmptyQueue, got %v", err)
	}
}

func TestPushAllPreservesOrder(t *testing.T) {
	q := New()
	q.Push("sibling")
	q.PushAll([]string{"child-1", "child-2", "child-3"})

	var order []string
	for q.Count() > 0 {
		id, _ := q.Pop()
		order = append(order, id)
	}

	want := []string{"child-1", "child-2", "child-3", "sibling"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// Children pushed while a parent is processed must be drained before the
// parent's later siblings.
func TestDepthFirstExpansion(t *testing.T) {
	q := New()
	children := map[string][]string{
		"root": {"a", "b"},
		"a":    {"a1", "a2"},
	}
	q.Push("root")

	var visited []string
	for q.Count() > 0 {
		id, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		visited = append(visited, id)
		q.PushAll(children[id])
	}

	want := []string{"root", "a", "a1", "a2", "b"}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("visited[%d] = %s, want %s", i, visited[i], want[i])
		}
	}
}

func TestConcurrentPush(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push("t")
			}
		}()
	}
	wg.Wait()

	if q.Count() != 1000 {
		t.Errorf("Expected 1000 pending, got %d", q.Count())
	}
	q.Clear()
	if q.Count() != 0 {
		t.Errorf("Expected empty queue after Clear, got %d", q.Count())
	}
}

func TestDefaultConfig(t *testing.T) {
	var nilCfg *Config
	if nilCfg.GetPauseInterval() != DefaultConfig().PauseInterval {
		t.Error("nil config should fall back to default pause interval")
	}
}
