package duel

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFired(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case key := <-ch:
		return key
	case <-time.After(time.Second):
		t.Fatal("定时任务未触发")
		return ""
	}
}

func TestTimersScheduleAndReplace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timers := NewTimers(clock)
	fired := make(chan string, 4)

	timers.Schedule("m1", 10*time.Second, func() { fired <- "first" })
	timers.Schedule("m1", 20*time.Second, func() { fired <- "second" })
	assert.Equal(t, 1, timers.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(10 * time.Second)
	clock.Advance(10 * time.Second)
	assert.Equal(t, "second", waitFired(t, fired))

	select {
	case key := <-fired:
		t.Fatalf("被替换的任务触发: %s", key)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, timers.Pending())
}

func TestTimersCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timers := NewTimers(clock)
	fired := make(chan string, 4)

	timers.Schedule("a", time.Second, func() { fired <- "a" })
	timers.Schedule("b", time.Second, func() { fired <- "b" })
	timers.Schedule("c", time.Second, func() { fired <- "c" })

	assert.True(t, timers.Cancel("a"))
	assert.False(t, timers.Cancel("a"))
	assert.Equal(t, 2, timers.Pending())

	timers.CancelAll()
	assert.Equal(t, 0, timers.Pending())

	clock.Advance(time.Minute)
	select {
	case key := <-fired:
		t.Fatalf("已取消的任务触发: %s", key)
	case <-time.After(50 * time.Millisecond):
	}
}
