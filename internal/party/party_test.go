package party

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryParksEarlyMessages(t *testing.T) {
	r := NewRegistry(4)
	assert.False(t, r.Deliver("s1", 2, []byte("early")))

	ch := r.Register("s1")
	assert.Equal(t, 1, r.Active())
	assert.Equal(t, Inbound{From: 2, Data: []byte("early")}, <-ch)

	assert.True(t, r.Deliver("s1", 1, []byte("late")))
	assert.Equal(t, Inbound{From: 1, Data: []byte("late")}, <-ch)
	assert.Equal(t, ch, r.Register("s1"))

	r.Deregister("s1")
	assert.Equal(t, 0, r.Active())
	assert.False(t, r.Deliver("s1", 1, []byte("after")))
}

func TestRegistryEvictsParkedSessions(t *testing.T) {
	r := NewRegistry(2)
	r.Deliver("a", 0, []byte("a"))
	r.Deliver("b", 0, []byte("b"))
	r.Deliver("c", 0, []byte("c"))

	ch := r.Register("a")
	select {
	case m := <-ch:
		t.Fatalf("evicted session received %q", m.Data)
	default:
	}
	ch = r.Register("c")
	assert.Equal(t, []byte("c"), (<-ch).Data)
}

func TestElectCoordinator(t *testing.T) {
	assert.Equal(t, -1, ElectCoordinator("s", 0))
	for _, id := range []string{"a", "b", "c", "d"} {
		got := ElectCoordinator(id, 3)
		assert.GreaterOrEqual(t, got, 0)
		assert.Less(t, got, 3)
		assert.Equal(t, got, ElectCoordinator(id, 3))
	}
}

func TestSelectQuorum(t *testing.T) {
	q, err := SelectQuorum("s", []uint8{0, 0, 0}, 2, []int{0, 1, 2}, 1)
	require.NoError(t, err)
	assert.Len(t, q, 2)
	assert.Equal(t, 1, q[0])
	assert.NotEqual(t, q[0], q[1])

	// Two rank-1 parties cannot sign without a rank-0 party.
	q, err = SelectQuorum("s", []uint8{0, 1, 1}, 2, []int{1, 2, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, q)

	_, err = SelectQuorum("s", []uint8{0, 1, 1}, 2, []int{1, 2}, 2)
	assert.ErrorIs(t, err, ErrNoQuorum)
	_, err = SelectQuorum("s", []uint8{0, 0, 0}, 3, []int{0, 1}, 0)
	assert.ErrorIs(t, err, ErrNoQuorum)
	_, err = SelectQuorum("s", []uint8{0, 0}, 2, []int{0, 1}, 5)
	assert.ErrorIs(t, err, ErrNoQuorum)
}

func TestRegistryDeliverToFullInbox(t *testing.T) {
	r := NewRegistry(4)
	r.Register("s1")
	for i := 0; i < inboxSize; i++ {
		require.True(t, r.Deliver("s1", 1, []byte("fill")))
	}

	// Deregistering releases a sender blocked on the full inbox.
	done := make(chan bool)
	go func() { done <- r.Deliver("s1", 1, []byte("blocked")) }()
	time.Sleep(20 * time.Millisecond)
	r.Deregister("s1")
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Deliver still blocked after Deregister")
	}
}

func TestRegistryDeliverTimeout(t *testing.T) {
	defer func(d time.Duration) { deliverTimeout = d }(deliverTimeout)
	deliverTimeout = 10 * time.Millisecond

	r := NewRegistry(4)
	ch := r.Register("s1")
	for i := 0; i < inboxSize; i++ {
		require.True(t, r.Deliver("s1", 1, []byte("fill")))
	}
	assert.False(t, r.Deliver("s1", 2, []byte("dropped")))

	<-ch
	assert.True(t, r.Deliver("s1", 2, []byte("fits")))
}
