package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detectx/internal/config"
)

// firstSighting raises on any sighting, like the speed strategy
type firstSighting struct{}

func (firstSighting) Name() string { return "test" }

func (firstSighting) Sample(ls *LabelState, seen bool, w Window) bool {
	ls.Push(seen, w.Size)
	return seen
}

func TestLabelState_Ring(t *testing.T) {
	var ls LabelState
	for i := 0; i < 3; i++ {
		ls.Push(true, 4)
	}
	assert.Equal(t, 3, ls.Count())
	assert.Equal(t, 3, ls.Hits(4))

	ls.Push(false, 4)
	ls.Push(false, 4)
	assert.Equal(t, 4, ls.Count(), "count is bounded by the window")
	assert.Equal(t, 2, ls.Hits(4))
	assert.Equal(t, 0, ls.Hits(2))
}

func TestLabelState_WindowShrinks(t *testing.T) {
	var ls LabelState
	for i := 0; i < 10; i++ {
		ls.Push(true, 8)
	}
	assert.Equal(t, 8, ls.Count())

	ls.Push(false, 3)
	assert.Equal(t, 3, ls.Count())
	assert.Equal(t, 2, ls.Hits(3))
}

func TestLabelState_WrapsPastRing(t *testing.T) {
	var ls LabelState
	for i := 0; i < 40; i++ {
		ls.Push(i%2 == 0, 16)
	}
	assert.Equal(t, 16, ls.Count())
	assert.Equal(t, 8, ls.Hits(16))
	assert.Equal(t, 8, ls.Hits(100), "window is capped at the ring size")
}

func TestWindowFor(t *testing.T) {
	ev := config.Default().Settings.Events

	assert.Equal(t, Window{Size: 4, MinFrames: 3}, WindowFor(ev, 250*time.Millisecond))
	assert.Equal(t, 2, WindowFor(ev, time.Second).Size, "floor of 2")
	assert.Equal(t, 2, WindowFor(ev, 5*time.Second).Size)
	assert.Equal(t, 16, WindowFor(ev, 10*time.Millisecond).Size, "ceiling of 16")
	assert.Equal(t, 4, WindowFor(ev, 300*time.Millisecond).Size, "rounded up")

	ev.WindowFrames = 6
	assert.Equal(t, 6, WindowFor(ev, time.Second).Size)
	ev.WindowFrames = 40
	assert.Equal(t, 16, WindowFor(ev, time.Second).Size)
}

func TestEventMachine_Observe(t *testing.T) {
	m := NewEventMachine(firstSighting{}, 0)
	now := time.Unix(10, 0)

	ts := m.Observe([]Detection{{Label: "a"}, {Label: "b"}, {Label: "a"}}, Window{Size: 4}, now)
	require.Len(t, ts, 2)
	assert.Equal(t, "a", ts[0].Label)
	assert.Equal(t, "b", ts[1].Label)
	assert.Equal(t, now, ts[0].Timestamp)

	labels := m.Labels()
	require.Len(t, labels, 2)
	assert.True(t, labels[0].High)

	// absent labels still get a sample
	m.Observe(nil, Window{Size: 4}, now)
	a, _ := m.Get("a")
	assert.Equal(t, 2, a.Count())
	assert.Equal(t, 1, a.Hits(4))
}

func TestEventMachine_Expire(t *testing.T) {
	m := NewEventMachine(firstSighting{}, 0)
	start := time.Unix(0, 0)
	m.Observe([]Detection{{Label: "a"}}, Window{Size: 2}, start)
	m.Observe([]Detection{{Label: "b"}}, Window{Size: 2}, start.Add(2*time.Second))

	assert.Empty(t, m.Expire(start.Add(3*time.Second), 3*time.Second), "not strictly longer")

	ts := m.Expire(start.Add(3*time.Second+time.Millisecond), 3*time.Second)
	require.Len(t, ts, 1)
	assert.Equal(t, Transition{Label: "a", State: false, Timestamp: start.Add(3*time.Second + time.Millisecond)}, ts[0])

	assert.Empty(t, m.Expire(start.Add(4*time.Second), 3*time.Second), "falls once")
}

func TestEventMachine_EvictsLeastRecent(t *testing.T) {
	m := NewEventMachine(firstSighting{}, 3)
	base := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		m.Observe([]Detection{{Label: fmt.Sprintf("l%d", i)}}, Window{Size: 2}, base.Add(time.Duration(i)*time.Second))
	}
	// refresh l0 so l1 becomes the oldest
	m.Observe([]Detection{{Label: "l0"}}, Window{Size: 2}, base.Add(5*time.Second))

	ts := m.Observe([]Detection{{Label: "l3"}}, Window{Size: 2}, base.Add(6*time.Second))
	require.Len(t, ts, 2)
	assert.Equal(t, Transition{Label: "l1", State: false, Timestamp: base.Add(6 * time.Second)}, ts[0])
	assert.Equal(t, "l3", ts[1].Label)
	assert.True(t, ts[1].State)

	assert.Equal(t, 3, m.Len())
	_, ok := m.Get("l1")
	assert.False(t, ok)
}

func TestEventMachine_LowerAndReset(t *testing.T) {
	m := NewEventMachine(firstSighting{}, 0)
	m.Observe([]Detection{{Label: "a"}, {Label: "b"}}, Window{Size: 2}, time.Unix(0, 0))

	ts := m.Lower(time.Unix(1, 0))
	assert.Len(t, ts, 2)
	assert.Empty(t, m.Lower(time.Unix(2, 0)))

	m.Reset()
	assert.Equal(t, 0, m.Len())
}
