// ABOUTME: Tests for the bounded worker pool.
// ABOUTME: Checks rejection under saturation, panic recovery and close semantics.

package workpool

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTask(t *testing.T) {
	p := New("test", 2, slog.Default())
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestSubmitRejectsWhenSaturated(t *testing.T) {
	p := New("test", 1, slog.Default())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrSaturated)

	close(release)
	p.Close()
}

func TestPanickingTaskFreesSlot(t *testing.T) {
	p := New("test", 1, slog.Default())
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(func() {
		defer wg.Done()
		panic("boom")
	}))
	wg.Wait()

	assert.Eventually(t, func() bool {
		return p.Submit(func() {}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitAfterClose(t *testing.T) {
	p := New("test", 1, slog.Default())
	p.Close()
	assert.ErrorIs(t, p.Submit(func() {}), ErrClosed)
}

func TestSaturated(t *testing.T) {
	p := New("test", 1, slog.Default())
	assert.False(t, p.Saturated())

	release := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-release }))
	assert.True(t, p.Saturated())

	close(release)
	assert.Eventually(t, func() bool { return !p.Saturated() }, time.Second, 5*time.Millisecond)
	p.Close()
}

func TestSubmitRacingClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		p := New("test", 4, slog.Default())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					err := p.Submit(func() {})
					if err != nil && err != ErrSaturated && err != ErrClosed {
						t.Errorf("unexpected error: %v", err)
					}
				}
			}()
		}
		p.Close()
		wg.Wait()
		assert.ErrorIs(t, p.Submit(func() {}), ErrClosed)
	}
}
