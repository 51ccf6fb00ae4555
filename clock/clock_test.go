package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/krisalay/client-cache/clock"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	f := clock.NewFake(time.Unix(0, 0))

	var fired []string
	f.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	f.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	f.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	f.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, f.Pending())

	f.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, f.Pending())
}

func TestFakeStop(t *testing.T) {
	f := clock.NewFake(time.Unix(0, 0))

	called := false
	timer := f.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports the timer was no longer pending")

	f.Advance(time.Minute)
	assert.False(t, called)
}

func TestFakeTimerRegisteredWhileFiring(t *testing.T) {
	f := clock.NewFake(time.Unix(0, 0))

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		f.AfterFunc(time.Second, tick)
	}
	f.AfterFunc(time.Second, tick)

	f.Advance(time.Second)
	assert.Equal(t, 1, ticks)
	f.Advance(time.Second)
	assert.Equal(t, 2, ticks)
}
