package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	var lc Lifecycle
	assert.Equal(t, Stopped, lc.State())

	// Stop of a Stopped Lifecycle is a no-op.
	assert.NoError(t, lc.Stop(func() error { panic("not called") }))

	// A failed Start returns to Stopped.
	assert.EqualError(t, lc.Start(func() error {
		assert.Equal(t, Starting, lc.State())
		return errors.New("whoops")
	}), "whoops")
	assert.Equal(t, Stopped, lc.State())

	require.NoError(t, lc.Start(nil))
	assert.True(t, lc.IsStarted())
	assert.Equal(t, ErrNotStopped, lc.Start(nil))

	// Stop reaches Stopped even if its callback fails.
	assert.EqualError(t, lc.Stop(func() error {
		assert.Equal(t, Stopping, lc.State())
		// Re-entrant Stop while Stopping is a no-op.
		assert.NoError(t, lc.Stop(nil))
		return errors.New("stop failed")
	}), "stop failed")
	assert.Equal(t, Stopped, lc.State())
	assert.Equal(t, "Stopped", lc.State().String())
}

func TestStopAllReverseOrder(t *testing.T) {
	var order []int
	var stopper = func(i int, err error) Stopper {
		return StopperFunc(func() error {
			order = append(order, i)
			return err
		})
	}
	var err = StopAll(
		stopper(0, nil),
		stopper(1, errors.New("one")),
		nil,
		stopper(3, errors.New("three")),
	)
	assert.Equal(t, []int{3, 1, 0}, order)
	assert.EqualError(t, err, "three")
}
