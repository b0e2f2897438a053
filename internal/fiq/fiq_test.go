package fiq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddRemoveOrder(t *testing.T) {
	q := New[int]()
	q.Add(1)
	q.Add(2)
	q.Add(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Remove()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestRemoveNoWaitEmpty(t *testing.T) {
	q := New[int]()
	_, ok := q.RemoveNoWait()
	require.False(t, ok)
}

func TestRemoveBlocksUntilAdd(t *testing.T) {
	q := New[string]()
	done := make(chan string, 1)
	go func() {
		v, ok := q.Remove()
		if ok {
			done <- v
		} else {
			done <- "<closed>"
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Add("hello")

	select {
	case v := <-done:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Remove never returned")
	}
}

func TestCloseUnblocksRemove(t *testing.T) {
	q := New[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Remove()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Remove never unblocked on Close")
	}
}
