package queue

import (
	"sync"
	"testing"

	"github.com/friendmap/markerd/pkg/core"
)

func TestQueue_New(t *testing.T) {
	q := New[core.Signal]()
	if q == nil {
		t.Fatal("expected non-nil queue")
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}
}

func TestQueue_PushPopOrder(t *testing.T) {
	q := New[core.Signal]()
	q.Push(core.SignalAppear)
	q.Push(core.SignalTrail, core.SignalDisappear)

	if q.Len() != 3 {
		t.Fatalf("expected length 3, got %d", q.Len())
	}
	want := []core.Signal{core.SignalAppear, core.SignalTrail, core.SignalDisappear}
	for i, w := range want {
		if got := q.Pop(); got != w {
			t.Errorf("pop %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestQueue_PopEmptyReturnsZero(t *testing.T) {
	q := New[string]()
	if got := q.Pop(); got != "" {
		t.Errorf("expected zero value, got %q", got)
	}
}

func TestQueue_TryPop(t *testing.T) {
	q := New[int]()

	if _, ok := q.TryPop(); ok {
		t.Error("expected TryPop on empty queue to report false")
	}

	q.Push(0)
	v, ok := q.TryPop()
	if !ok {
		t.Fatal("expected TryPop to report true")
	}
	if v != 0 {
		t.Errorf("expected 0, got %d", v)
	}
}

func TestQueue_BoundedDropsOldest(t *testing.T) {
	q := NewBounded[int](3)
	q.Push(1, 2, 3)
	q.Push(4)
	q.Push(5, 6)

	got := q.GetAndEmpty()
	if len(got) != 3 || got[0] != 4 || got[1] != 5 || got[2] != 6 {
		t.Errorf("expected [4 5 6], got %v", got)
	}
	if q.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", q.Dropped())
	}
}

func TestQueue_NewBoundedNonPositiveIsUnbounded(t *testing.T) {
	q := NewBounded[int](0)
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	if q.Len() != 100 {
		t.Errorf("expected 100 items, got %d", q.Len())
	}
	if q.Dropped() != 0 {
		t.Errorf("expected nothing dropped, got %d", q.Dropped())
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New[int]()
	q.Push(1, 2, 3)

	q.Clear()

	if !q.Empty() {
		t.Error("expected empty queue after clear")
	}
}

func TestQueue_GetAndEmpty(t *testing.T) {
	q := New[int]()
	q.Push(1, 2, 3)

	result := q.GetAndEmpty()

	if len(result) != 3 || result[0] != 1 || result[2] != 3 {
		t.Errorf("unexpected items: %v", result)
	}
	if !q.Empty() {
		t.Error("expected empty queue after GetAndEmpty")
	}

	q.Push(4)
	if len(result) != 3 {
		t.Error("push after GetAndEmpty must not alias the returned slice")
	}
}

func TestQueue_PushFront(t *testing.T) {
	q := New[int]()
	q.Push(1, 2)
	taken := q.GetAndEmpty()
	q.Push(3)

	q.PushFront(taken...)

	got := q.GetAndEmpty()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("expected [1 2 3], got %v", got)
	}
}

func TestQueue_PushFrontBoundedDropsHead(t *testing.T) {
	q := NewBounded[int](2)
	q.Push(3)

	q.PushFront(1, 2)

	got := q.GetAndEmpty()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("expected [2 3], got %v", got)
	}
	if q.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", q.Dropped())
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.Push(id)
		}(i)
	}
	wg.Wait()

	if q.Len() != 100 {
		t.Errorf("expected 100 items, got %d", q.Len())
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Pop()
		}()
	}
	wg.Wait()

	if q.Len() != 50 {
		t.Errorf("expected 50 items after pops, got %d", q.Len())
	}
}

func TestQueue_ConcurrentGetAndEmpty(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	var wg sync.WaitGroup
	results := make(chan []int, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- q.GetAndEmpty()
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for r := range results {
		total += len(r)
	}
	if total != 100 {
		t.Errorf("expected total 100 items, got %d", total)
	}
}
