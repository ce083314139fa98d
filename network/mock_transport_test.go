package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClockOnlyMovesOnAdvance(t *testing.T) {
	factory := NewMockConnectionFactory()

	before := factory.Now()
	assert.Equal(t, before, factory.Now())

	factory.Advance(time.Second)
	assert.Equal(t, before.Add(time.Second), factory.Now())
}

func TestMockTimersFireInDeadlineOrder(t *testing.T) {
	factory := NewMockConnectionFactory()

	var fired []string
	t1 := factory.MakeTimer()
	t2 := factory.MakeTimer()
	t3 := factory.MakeTimer()

	t1.SetTimeout(300*time.Millisecond, func() { fired = append(fired, "late") })
	t2.SetTimeout(100*time.Millisecond, func() { fired = append(fired, "early") })
	t3.SetTimeout(200*time.Millisecond, func() { fired = append(fired, "middle") })

	factory.Advance(time.Second)
	assert.Equal(t, []string{"early", "middle", "late"}, fired)
}

func TestMockTimerCancelAndRearm(t *testing.T) {
	factory := NewMockConnectionFactory()

	fired := 0
	timer := factory.MakeTimer()
	timer.SetTimeout(100*time.Millisecond, func() { fired++ })
	timer.CancelTimeout()
	factory.Advance(time.Second)
	assert.Equal(t, 0, fired)

	timer.SetTimeout(100*time.Millisecond, func() { fired++ })
	factory.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, fired)

	// One-shot: no refire.
	factory.Advance(time.Hour)
	assert.Equal(t, 1, fired)
}

func TestMockTimerCallbackMayRearm(t *testing.T) {
	factory := NewMockConnectionFactory()

	fired := 0
	timer := factory.MakeTimer()
	timer.SetTimeout(50*time.Millisecond, func() {
		fired++
		timer.SetTimeout(0, func() { fired++ })
	})

	// A re-arm that is already due fires within the same Advance.
	factory.Advance(50 * time.Millisecond)
	assert.Equal(t, 2, fired)
}

func TestMockConnectionScripting(t *testing.T) {
	factory := NewMockConnectionFactory()

	ci, err := factory.MakeConnection("h:1", SSLModeGlobal, 7)
	require.NoError(t, err)
	conn := ci.(*MockConnection)

	assert.Equal(t, "h:1", conn.HostAndPort())
	assert.Equal(t, uint64(7), conn.Generation())
	assert.NotEmpty(t, conn.ID())
	assert.True(t, conn.IsHealthy())

	conn.SetHealthy(false)
	assert.False(t, conn.IsHealthy())

	require.NoError(t, conn.Close())
	assert.True(t, conn.Closed())

	factory.Shutdown()
	_, err = factory.MakeConnection("h:1", SSLModeGlobal, 7)
	assert.Error(t, err)
}
