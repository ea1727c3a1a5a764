package queue_test

import (
	"testing"
	"time"

	"github.com/relab/tomcast/util/queue"
)

func TestPopEmptyQueue(t *testing.T) {
	q := queue.New[string](1)
	elem, ok := q.Pop()
	if elem != "" || ok {
		t.Error("expected q.Pop() to return \"\", false")
	}
}

func TestEmptyLen(t *testing.T) {
	q := queue.New[int](1)

	if q.Len() != 0 {
		t.Error("expected q.Len() to return 0")
	}
}

func TestPushAndThenPopTwice(t *testing.T) {
	q := queue.New[string](1)
	q.Push("hello")

	if q.Len() != 1 {
		t.Errorf("expected q.Len() to return 1")
	}

	elem, ok := q.Pop()
	if elem != "hello" || !ok {
		t.Errorf("expected q.Pop() to return \"hello\", true")
	}

	elem, ok = q.Pop()
	if elem != "" || ok {
		t.Error("expected q.Pop() to return \"\", false")
	}
}

func TestPushBeyondCapacityKeepsFIFOOrder(t *testing.T) {
	q := queue.New[int](1)
	const n = 100

	// interleave pops so that the ring wraps around before it grows
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	for i := 0; i < 5; i++ {
		if elem, _ := q.Pop(); elem != i {
			t.Fatalf("got: %d, want: %d", elem, i)
		}
	}
	for i := 10; i < n; i++ {
		q.Push(i)
	}

	if q.Len() != n-5 {
		t.Fatalf("got len: %d, want: %d", q.Len(), n-5)
	}

	for i := 5; i < n; i++ {
		elem, ok := q.Pop()
		if !ok || elem != i {
			t.Fatalf("got: %d, %v, want: %d, true", elem, ok, i)
		}
	}
}

func TestClear(t *testing.T) {
	q := queue.New[int](4)
	for i := 0; i < 6; i++ {
		q.Push(i)
	}
	if n := q.Clear(); n != 6 {
		t.Errorf("got: %d cleared, want: 6", n)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after Clear")
	}
}

func TestReadySignalIsNotLost(t *testing.T) {
	q := queue.New[int](1)

	// push before anyone waits; the signal must still be observed
	q.Push(1)

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	if elem, ok := q.Pop(); !ok || elem != 1 {
		t.Fatalf("got: %d, %v, want: 1, true", elem, ok)
	}
}
