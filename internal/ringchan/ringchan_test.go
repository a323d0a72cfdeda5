package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDropsOldest(t *testing.T) {
	rc := New[int](3)
	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got, "MUST keep the newest elements")

	st := rc.Stats()
	assert.Equal(t, int64(5), st.Written)
	assert.Equal(t, int64(2), st.Overwritten)
}

func TestSendReportsDrop(t *testing.T) {
	rc := New[string](1)
	assert.False(t, rc.Send("a"))
	assert.True(t, rc.Send("b"))
	assert.False(t, rc.TrySend("c"))
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())
}

func TestCloseIsIdempotentAndSendAfterCloseIsDropped(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close()

	require.True(t, rc.Closed())
	assert.NotPanics(t, func() { rc.Send(2) })
	assert.False(t, rc.TrySend(3))
	assert.Equal(t, int64(2), rc.Stats().Rejected)

	v, ok := <-rc.C()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = <-rc.C()
	assert.False(t, ok)
}

func TestConcurrentSendAndClose(t *testing.T) {
	rc := New[int](4)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.Send(i)
			}
		}()
	}
	go rc.Close()
	wg.Wait()
	rc.Close()

	assert.LessOrEqual(t, rc.Len(), 4)
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
