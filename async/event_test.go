package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.keel.dev/core/replication"
)

func TestEventManualResetReleasesAllWaiters(t *testing.T) {
	var e = NewEvent(true, false)

	var w1, w2 = e.CreateWaitContext(), e.CreateWaitContext()
	require.NoError(t, w1.Start(nil, nil))
	require.NoError(t, w2.Start(nil, nil))

	assert.Equal(t, Operating, w1.State())
	e.SetEvent()
	<-w1.Done()
	<-w2.Done()
	assert.NoError(t, w1.Status())
	assert.NoError(t, w2.Status())

	// The event stays signalled: a later wait completes synchronously.
	var w3 = e.CreateWaitContext()
	require.NoError(t, w3.Start(nil, nil))
	<-w3.Done()
	assert.True(t, e.IsSignalled())
}

func TestEventAutoResetReleasesOneWaiter(t *testing.T) {
	var e = NewEvent(false, false)

	var w1, w2 = e.CreateWaitContext(), e.CreateWaitContext()
	require.NoError(t, w1.Start(nil, nil))
	require.NoError(t, w2.Start(nil, nil))

	e.SetEvent()
	<-w1.Done() // FIFO: the first waiter resumes.
	assert.Equal(t, Operating, w2.State())
	assert.False(t, e.IsSignalled())

	e.SetEvent()
	<-w2.Done()

	// With no waiters, the signal latches for the next wait.
	e.SetEvent()
	assert.True(t, e.IsSignalled())
	var w3 = e.CreateWaitContext()
	require.NoError(t, w3.Start(nil, nil))
	<-w3.Done()
	assert.False(t, e.IsSignalled()) // Consumed.
}

func TestEventWaitCancellation(t *testing.T) {
	var e = NewEvent(false, false)

	var w = e.CreateWaitContext()
	require.NoError(t, w.Start(nil, nil))

	assert.True(t, w.Cancel())
	<-w.Done()
	assert.Equal(t, replication.ErrCanceled, w.Status())

	// A cancelled waiter no longer consumes signals.
	e.SetEvent()
	assert.True(t, e.IsSignalled())
}

func TestEventReset(t *testing.T) {
	var e = NewEvent(true, true)
	assert.True(t, e.IsSignalled())
	e.ResetEvent()
	assert.False(t, e.IsSignalled())
}
