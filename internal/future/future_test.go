// ABOUTME: Tests for the one-shot future.
// ABOUTME: Covers single completion, callbacks and the rejected-executor path.

package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error { return errors.New("saturated") }

type goExecutor struct{ wg sync.WaitGroup }

func (e *goExecutor) Submit(task func()) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		task()
	}()
	return nil
}

func TestCompleteOnlyOnce(t *testing.T) {
	f := New[string](nil)

	assert.True(t, f.Complete("first", nil))
	assert.False(t, f.Complete("second", errors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestConcurrentCompletersSingleWinner(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := New[int](nil)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				if f.Complete(g, nil) {
					wins.Add(1)
				}
			}(g)
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	}
}

func TestWaitRespectsContext(t *testing.T) {
	f := New[int](nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, _, ok := f.Result()
	assert.False(t, ok)
}

func TestThenBeforeAndAfterCompletion(t *testing.T) {
	exec := &goExecutor{}
	f := New[string](exec)

	var got []string
	var mu sync.Mutex
	record := func(v string, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	}

	f.Then(record)
	f.Complete("done", nil)
	f.Then(record)
	exec.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"done", "done"}, got)
}

func TestRejectedCallbackDoesNotBlockCompleter(t *testing.T) {
	f := New[int](rejectingExecutor{})

	release := make(chan struct{})
	got := make(chan int, 1)
	f.Then(func(v int, err error) {
		<-release
		got <- v
	})

	completed := make(chan struct{})
	go func() {
		f.Complete(7, nil)
		close(completed)
	}()

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("Complete waited on a callback the executor rejected")
	}

	close(release)
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("rejected callback never ran")
	}
}

func TestFailedAndCompleted(t *testing.T) {
	boom := errors.New("boom")
	_, err, ok := Failed[int](boom).Result()
	assert.True(t, ok)
	assert.ErrorIs(t, err, boom)

	v, err, ok := Completed(42).Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}
