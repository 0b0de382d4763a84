package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFiresInDeadlineOrder(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	q := NewQueue(clock)

	var order []string
	q.ScheduleAfter(2*time.Second, func() { order = append(order, "b") })
	q.ScheduleAfter(1*time.Second, func() { order = append(order, "a") })

	assert.Equal(t, 0, q.RunDue(), "nothing due yet")
	clock.Advance(3 * time.Second)
	assert.Equal(t, 2, q.RunDue())
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestQueueSameInstantFIFO(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	q := NewQueue(clock)
	deadline := clock.Now().Add(time.Second)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.ScheduleAt(deadline, func() { order = append(order, i) })
	}
	clock.Advance(time.Second)
	q.RunDue()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "equal deadlines fire in insertion order")
}

func TestQueueCancel(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	q := NewQueue(clock)

	fired := false
	task := q.ScheduleAfter(time.Second, func() { fired = true })
	require.True(t, task.Queued())
	q.Cancel(task)
	assert.False(t, task.Queued())

	clock.Advance(2 * time.Second)
	q.RunDue()
	assert.False(t, fired, "canceled callback must not fire")

	q.Cancel(task) // canceling twice is a no-op
	q.Cancel(nil)
}

func TestQueueNextDeadline(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	q := NewQueue(clock)

	_, ok := q.NextDeadline()
	assert.False(t, ok)

	q.ScheduleAfter(5*time.Second, func() {})
	q.ScheduleAfter(2*time.Second, func() {})
	deadline, ok := q.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(2*time.Second), deadline)
}

func TestTaskRescheduledDuringRun(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	q := NewQueue(clock)

	runs := 0
	var tick func()
	tick = func() {
		runs++
		if runs < 3 {
			q.ScheduleAfter(time.Second, tick)
		}
	}
	q.ScheduleAfter(time.Second, tick)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		q.RunDue()
	}
	assert.Equal(t, 3, runs)
}
