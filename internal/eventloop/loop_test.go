package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPostRunsInOrder(t *testing.T) {
	l := New(8)
	var got []int
	finished := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.True(t, l.Post(func() { close(finished) }))
	runLoop(t, l)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("loop did not drain")
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestPostFullQueue(t *testing.T) {
	l := New(1)
	assert.True(t, l.Post(func() {}))
	assert.False(t, l.Post(func() {}))
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
}

func TestOneShotTimer(t *testing.T) {
	l := New(8)
	runLoop(t, l)

	fired := make(chan struct{}, 4)
	l.SetTimer(10*time.Millisecond, false, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case <-fired:
		t.Fatal("one-shot timer fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRepeatingTimerStop(t *testing.T) {
	l := New(8)
	runLoop(t, l)

	var n atomic.Int32
	tm := l.SetTimer(5*time.Millisecond, true, func() { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)

	tm.Stop()
	time.Sleep(20 * time.Millisecond)
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestResetPostponesFire(t *testing.T) {
	l := New(8)
	runLoop(t, l)

	fired := make(chan time.Time, 1)
	start := time.Now()
	tm := l.SetTimer(40*time.Millisecond, false, func() { fired <- time.Now() })
	time.Sleep(25 * time.Millisecond)
	tm.Reset()

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 60*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after reset")
	}
}
