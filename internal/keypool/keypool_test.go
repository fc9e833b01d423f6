package keypool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_Affinity(t *testing.T) {
	p := New([]string{"k0", "k1", "k2"}, nil)

	first, ok := p.Lease("s1")
	require.True(t, ok)
	second, ok := p.Lease("s1")
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.Status().ActiveLeases)
	assert.Equal(t, []int{1, 0, 0}, p.Status().PerKey)
}

func TestLease_LeastLoaded(t *testing.T) {
	p := New([]string{"k0", "k1", "k2"}, nil)

	var got []int
	for i := 0; i < 6; i++ {
		idx, ok := p.Lease(fmt.Sprintf("s%d", i))
		require.True(t, ok)
		got = append(got, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)

	// releasing two sessions on key 1 makes it the least loaded
	p.Release("s1")
	p.Release("s4")
	idx, _ := p.Lease("s6")
	assert.Equal(t, 1, idx)
}

func TestRelease_ThenSameKeyReassigned(t *testing.T) {
	p := New([]string{"k0", "k1"}, nil)

	a, _ := p.Lease("a")
	_, _ = p.Lease("b")
	p.Release("a")

	c, ok := p.Lease("c")
	require.True(t, ok)
	assert.Equal(t, a, c)
}

func TestRelease_FloorAtZeroAndUnknownSession(t *testing.T) {
	p := New([]string{"k0"}, nil)

	p.Release("never-leased")
	_, _ = p.Lease("s")
	p.Release("s")
	p.Release("s")

	st := p.Status()
	assert.Equal(t, []int{0}, st.PerKey)
	assert.Equal(t, 0, st.ActiveLeases)
}

func TestLease_ZeroKeys(t *testing.T) {
	p := New(nil, nil)
	idx, ok := p.Lease("s")
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
	assert.Equal(t, Status{Configured: 0, ActiveLeases: 0, PerKey: []int{}}, p.Status())
}

func TestNew_SkipsEmptySlots(t *testing.T) {
	p := New([]string{"", "k1", ""}, nil)
	assert.Equal(t, 1, p.Status().Configured)
	idx, ok := p.Lease("s")
	require.True(t, ok)
	assert.Equal(t, "k1", p.Key(idx))
	assert.Equal(t, "", p.Key(5))
}

func TestLease_Concurrent(t *testing.T) {
	p := New([]string{"k0", "k1", "k2", "k3"}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			p.Lease(id)
			p.Lease(id)
		}(i)
	}
	wg.Wait()

	st := p.Status()
	assert.Equal(t, 400, st.ActiveLeases)
	assert.Equal(t, []int{100, 100, 100, 100}, st.PerKey)
}

func TestReap(t *testing.T) {
	p := New([]string{"k0", "k1"}, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	_, _ = p.Lease("old")
	now = now.Add(10 * time.Minute)
	_, _ = p.Lease("fresh")

	assert.Equal(t, 1, p.Reap(5*time.Minute))
	st := p.Status()
	assert.Equal(t, 1, st.ActiveLeases)
	assert.Equal(t, []int{0, 1}, st.PerKey)

	// touching a lease keeps it alive
	now = now.Add(4 * time.Minute)
	_, _ = p.Lease("fresh")
	now = now.Add(4 * time.Minute)
	assert.Equal(t, 0, p.Reap(5*time.Minute))
}

func TestHeld_DoesNotAssign(t *testing.T) {
	p := New([]string{"k0", "k1"}, nil)

	_, ok := p.Held("unknown")
	assert.False(t, ok)
	assert.Equal(t, 0, p.Status().ActiveLeases)

	leased, _ := p.Lease("s")
	held, ok := p.Held("s")
	require.True(t, ok)
	assert.Equal(t, leased, held)
	assert.Equal(t, "k0", p.Key(held))
}

func TestLeaseFor_OwnerIsolation(t *testing.T) {
	p := New([]string{"k0", "k1"}, nil)

	idx, err := p.LeaseFor("alice", "room")
	require.NoError(t, err)

	again, err := p.LeaseFor("alice", "room")
	require.NoError(t, err)
	assert.Equal(t, idx, again)

	_, err = p.LeaseFor("bob", "room")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, p.ReleaseFor("bob", "room"), ErrSessionNotFound)
	assert.Equal(t, []int{1, 0}, p.Status().PerKey)

	require.NoError(t, p.ReleaseFor("alice", "room"))
	assert.ErrorIs(t, p.ReleaseFor("alice", "room"), ErrSessionNotFound)
	assert.Equal(t, 0, p.Status().ActiveLeases)
}

func TestLeaseFor_ZeroKeys(t *testing.T) {
	p := New(nil, nil)
	_, err := p.LeaseFor("alice", "room")
	assert.ErrorIs(t, err, ErrKeyPoolExhausted)
}
