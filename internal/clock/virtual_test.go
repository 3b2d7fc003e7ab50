package clock

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestVirtualClockFiresInOrder(t *testing.T) {
	c := NewVirtual(time.Unix(0, 0))
	var fired []string

	c.AfterFunc(5*time.Second, func() { fired = append(fired, "five") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "one") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "ten") })

	c.Advance(6 * time.Second)
	assert.DeepEqual(t, fired, []string{"one", "five"})

	c.Advance(10 * time.Second)
	assert.DeepEqual(t, fired, []string{"one", "five", "ten"})
}

func TestVirtualClockStopPreventsFiring(t *testing.T) {
	c := NewVirtual(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(1*time.Second, func() { fired = true })
	assert.Assert(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.Assert(t, !fired)
}

func TestVirtualClockResetReschedules(t *testing.T) {
	c := NewVirtual(time.Unix(0, 0))
	count := 0
	timer := c.AfterFunc(1*time.Second, func() { count++ })
	c.Advance(500 * time.Millisecond)
	timer.Reset(1 * time.Second)
	c.Advance(600 * time.Millisecond)
	assert.Equal(t, count, 0)
	c.Advance(500 * time.Millisecond)
	assert.Equal(t, count, 1)
}
