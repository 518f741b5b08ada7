package sender

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.keel.dev/core/replication"
)

type sendRecorder struct {
	mu    sync.Mutex
	sends []sentRecord
}

type sentRecord struct {
	lsn        int64
	requestAck bool
}

func (r *sendRecorder) send(op *replication.Operation, requestAck bool, completedLsn int64) {
	r.mu.Lock()
	r.sends = append(r.sends, sentRecord{lsn: op.LSN(), requestAck: requestAck})
	r.mu.Unlock()
}

func (r *sendRecorder) snapshot() []sentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentRecord(nil), r.sends...)
}

func testOp(lsn int64) *replication.Operation {
	return replication.NewOperation(
		replication.Metadata{Type: replication.TypeNormal, LSN: lsn},
		replication.OperationData{}, nil)
}

// expectEventually polls |cond| until it holds or the deadline elapses.
func expectEventually(t *testing.T, cond func() bool, msg string) {
	var deadline = time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSenderSendsWithinWindow(t *testing.T) {
	var rec sendRecorder
	var s = New("test", Config{
		RetryInterval:     time.Hour, // Retries are inert in this test.
		InitialWindowSize: 2,
	}, rec.send)

	for lsn := int64(1); lsn <= 3; lsn++ {
		var op = testOp(lsn)
		s.Add(op, -1)
		op.Release()
	}
	// Operations 1 and 2 fill the window; 3 is held.
	assert.Equal(t, []sentRecord{{lsn: 1}, {lsn: 2}}, rec.snapshot())
	assert.Equal(t, 3, s.PendingCount())

	// The ack retires 1 and 2, opens the window, and 3 flows.
	assert.True(t, s.ProcessOnAck(2, 2))
	assert.Equal(t, []sentRecord{{lsn: 1}, {lsn: 2}, {lsn: 3}}, rec.snapshot())
	assert.Equal(t, 1, s.PendingCount())

	var received, quorum, _ = s.GetProgress()
	assert.Equal(t, int64(2), received)
	assert.Equal(t, int64(2), quorum)
	s.Close()
}

func TestSenderAckProgressGrowsWindow(t *testing.T) {
	var rec sendRecorder
	var s = New("test", Config{
		RetryInterval:     time.Hour,
		InitialWindowSize: 4,
		MaxWindowSize:     5,
	}, rec.send)

	var op = testOp(1)
	s.Add(op, -1)
	op.Release()

	assert.True(t, s.ProcessOnAck(1, 1))
	assert.Equal(t, int64(5), s.SendWindowSize())

	// Growth is capped at the configured maximum.
	op = testOp(2)
	s.Add(op, -1)
	op.Release()
	assert.True(t, s.ProcessOnAck(2, 2))
	assert.Equal(t, int64(5), s.SendWindowSize())

	// An ack without motion reports no progress and leaves the window.
	assert.False(t, s.ProcessOnAck(2, 2))
	assert.Equal(t, int64(5), s.SendWindowSize())
	s.Close()
}

func TestSenderDefaultMaxWindow(t *testing.T) {
	var rec sendRecorder
	var s = New("test", Config{
		RetryInterval:     time.Hour,
		InitialWindowSize: 2048,
	}, rec.send)
	defer s.Close()

	assert.Equal(t, int64(2048), s.SendWindowSize())

	// With MaxWindowSize of zero, growth caps at the default factor.
	for lsn := int64(1); lsn <= DefaultMaxSwsFactorWhen0*2048+10; lsn++ {
		var op = testOp(lsn)
		s.Add(op, -1)
		op.Release()
		s.ProcessOnAck(lsn, lsn)
	}
	assert.Equal(t, int64(DefaultMaxSwsFactorWhen0*2048), s.SendWindowSize())
}

func TestSenderRetryWithoutProgressHalvesWindow(t *testing.T) {
	var rec sendRecorder
	var s = New("test", Config{
		RetryInterval:     50 * time.Millisecond,
		InitialWindowSize: 16,
	}, rec.send)
	defer s.Close()

	var op = testOp(1)
	s.Add(op, -1)
	op.Release()
	require.True(t, s.ProcessOnAck(1, 1)) // sws grows to 17.
	require.Equal(t, int64(17), s.SendWindowSize())

	op = testOp(4)
	s.Add(op, -1)
	op.Release()
	assert.Equal(t, 1, s.PendingCount())

	// The first tick without ack motion halves the window.
	expectEventually(t, func() bool { return s.SendWindowSize() <= 8 },
		"send window was not reduced")
	assert.Equal(t, 1, s.PendingCount())

	// A later tick still without motion elicits a request-ack probe.
	expectEventually(t, func() bool {
		for _, r := range rec.snapshot() {
			if r.requestAck && r.lsn == 4 {
				return true
			}
		}
		return false
	}, "request-ack probe was not sent")

	// The window never reduces below one.
	expectEventually(t, func() bool { return s.SendWindowSize() == 1 },
		"send window did not floor at one")
}

func TestSenderRetryResends(t *testing.T) {
	var rec sendRecorder
	var s = New("test", Config{
		RetryInterval:     30 * time.Millisecond,
		InitialWindowSize: 4,
	}, rec.send)
	defer s.Close()

	var op = testOp(1)
	s.Add(op, -1)
	op.Release()

	expectEventually(t, func() bool {
		var count int
		for _, r := range rec.snapshot() {
			if r.lsn == 1 && !r.requestAck {
				count++
			}
		}
		return count >= 2
	}, "operation was not re-sent")

	// Acknowledgement retires it; no pending remain.
	s.ProcessOnAck(1, 1)
	assert.Equal(t, 0, s.PendingCount())
}

func TestSenderDropsAlreadyReceived(t *testing.T) {
	var rec sendRecorder
	var s = New("test", Config{
		RetryInterval:     time.Hour,
		InitialWindowSize: 4,
	}, rec.send)
	defer s.Close()

	// The remote already holds LSNs through 5.
	var op = testOp(3)
	s.Add(op, 5)
	op.Release()
	assert.Equal(t, 0, s.PendingCount())
	assert.Empty(t, rec.snapshot())
}

func TestSenderCloseDropsPending(t *testing.T) {
	var rec sendRecorder
	var s = New("test", Config{
		RetryInterval:     time.Hour,
		InitialWindowSize: 1,
	}, rec.send)

	for lsn := int64(1); lsn <= 3; lsn++ {
		var op = testOp(lsn)
		s.Add(op, -1)
		op.Release()
	}
	s.Close()
	assert.Equal(t, 0, s.PendingCount())

	// Further adds and acks are inert.
	var op = testOp(4)
	s.Add(op, -1)
	op.Release()
	assert.Equal(t, 0, s.PendingCount())
	assert.False(t, s.ProcessOnAck(4, 4))
}
