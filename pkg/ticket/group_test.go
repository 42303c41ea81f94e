package ticket

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_DeduplicatesMembers(t *testing.T) {
	a := New("x")
	b := New("x")

	g := NewGroup(a, nil, a)
	assert.Equal(t, 1, g.Len())

	assert.True(t, g.Add(b))
	assert.False(t, g.Add(b))
	assert.False(t, g.Add(nil))
	assert.Equal(t, []*Ticket{a, b}, g.Tickets())
}

func TestGroup_MergeAddsOtherMembers(t *testing.T) {
	a, b, c := New("x"), New("x"), New("x")
	g := NewGroup(a, b)
	other := NewGroup(b, c)

	g.Merge(other)
	g.Merge(g)
	g.Merge(nil)

	assert.Equal(t, []*Ticket{a, b, c}, g.Tickets())
	assert.Equal(t, 2, other.Len())
}

func TestGroup_ForwardsEachTransitionOnce(t *testing.T) {
	a, b := New("x"), New("x")
	var mu sync.Mutex
	counts := map[EventType]int{}
	for _, tk := range []*Ticket{a, b} {
		tk.OnEvent(func(ev Event) {
			mu.Lock()
			counts[ev.Type]++
			mu.Unlock()
		})
	}

	g := NewGroup(a, b, a)
	g.Accept()
	g.Queue()
	g.Unqueue()
	g.Queue()
	g.Start()
	g.SetProgress(1, 2, "")
	g.Fail(errors.New("boom"))

	assert.Equal(t, 2, counts[EventAccepted])
	assert.Equal(t, 4, counts[EventQueued])
	assert.Equal(t, 2, counts[EventUnqueued])
	assert.Equal(t, 2, counts[EventStarted])
	assert.Equal(t, 2, counts[EventProgress])
	assert.Equal(t, 2, counts[EventFailed])
	assert.Zero(t, counts[EventFinish])

	for _, tk := range g.Tickets() {
		require.Equal(t, StatusFailed, tk.Status())
	}
}

func TestGroup_MembersAtDifferentStages(t *testing.T) {
	running := New("x")
	running.Accept()
	running.Queue()
	running.Start()

	fresh := New("x")
	fresh.Accept()

	g := NewGroup(running, fresh)
	g.Queue()
	assert.Equal(t, StatusInProgress, running.Status())
	assert.Equal(t, StatusQueued, fresh.Status())

	g.Finish("ok")
	assert.Equal(t, StatusFinished, running.Status())
	assert.Equal(t, StatusQueued, fresh.Status(), "finish only applies to started tickets")
}
