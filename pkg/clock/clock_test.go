package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeFiresInOrder(t *testing.T) {
	c := NewFake(epoch)

	var fired []string
	c.AfterFunc(30*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(90*time.Second, func() { fired = append(fired, "c") })

	c.Advance(59 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, epoch.Add(59*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Minute)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeStop(t *testing.T) {
	c := NewFake(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Hour)
	assert.False(t, fired)

	timer = c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, timer.Stop(), "stopping a fired timer must report false")
}

func TestFakeCallbackReschedules(t *testing.T) {
	c := NewFake(epoch)

	var at []time.Time
	var tick func()
	tick = func() {
		at = append(at, c.Now())
		if len(at) < 3 {
			c.AfterFunc(10*time.Second, tick)
		}
	}
	c.AfterFunc(10*time.Second, tick)

	c.Advance(time.Minute)
	require.Len(t, at, 3)
	assert.Equal(t, epoch.Add(10*time.Second), at[0])
	assert.Equal(t, epoch.Add(30*time.Second), at[2])

	_, ok := c.NextDeadline()
	assert.False(t, ok)
}

func TestRealClock(t *testing.T) {
	c := New()

	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("real timer did not fire")
	}

	timer := c.AfterFunc(time.Hour, func() {})
	assert.True(t, timer.Stop())
}
