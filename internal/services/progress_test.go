package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func TestProgressScheduleRespectsIntervalAndDelta(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	p := newProgressSchedule(100, time.Second, 5, clock.now)

	_, due := p.add(50)
	assert.False(t, due, "interval has not elapsed")

	clock.t = clock.t.Add(time.Second)
	pct, due := p.add(0)
	assert.True(t, due)
	assert.Equal(t, 69, pct)

	clock.t = clock.t.Add(time.Second)
	_, due = p.add(5)
	assert.False(t, due, "moved less than the minimum delta")

	clock.t = clock.t.Add(time.Second)
	pct, due = p.add(500)
	assert.True(t, due)
	assert.Equal(t, ProgressStreamCap, pct)

	clock.t = clock.t.Add(time.Hour)
	_, due = p.add(500)
	assert.False(t, due, "never reports past the cap twice")
}

func TestProgressScheduleDefaults(t *testing.T) {
	p := newProgressSchedule(0, 0, 0, time.Now)
	pct, due := p.add(1200)
	assert.True(t, due)
	assert.Greater(t, pct, ProgressFactsReady)
	assert.LessOrEqual(t, pct, ProgressStreamCap)
}
