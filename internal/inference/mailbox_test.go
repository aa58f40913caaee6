package inference

import (
	"testing"
	"time"

	"github.com/andresmejia3/parallax/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func infer(seq uint64) types.InferRequest {
	return types.InferRequest{Frame: types.RawFrame{Seq: seq}}
}

func seqOf(t *testing.T, req types.Request) uint64 {
	t.Helper()
	r, ok := req.(types.InferRequest)
	require.True(t, ok, "expected InferRequest, got %T", req)
	return r.Frame.Seq
}

func TestMailboxUnboundedKeepsOrder(t *testing.T) {
	m := NewMailbox(0, RejectNew)
	for i := uint64(1); i <= 1000; i++ {
		evicted, err := m.Send(infer(i))
		require.NoError(t, err)
		require.False(t, evicted)
	}
	assert.Equal(t, 1000, m.Len())

	for i := uint64(1); i <= 1000; i++ {
		req, ok := m.Receive()
		require.True(t, ok)
		assert.Equal(t, i, seqOf(t, req))
	}
}

func TestMailboxDropOldest(t *testing.T) {
	m := NewMailbox(2, DropOldest)
	_, err := m.Send(types.InitRequest{ModelPath: "m"})
	require.NoError(t, err)
	for i := uint64(1); i <= 4; i++ {
		_, err := m.Send(infer(i))
		require.NoError(t, err)
	}

	evicted, rejected := m.Stats()
	assert.Equal(t, uint64(2), evicted)
	assert.Equal(t, uint64(0), rejected)

	// Init survives eviction and keeps its place at the head.
	req, _ := m.Receive()
	assert.IsType(t, types.InitRequest{}, req)
	req, _ = m.Receive()
	assert.Equal(t, uint64(3), seqOf(t, req))
	req, _ = m.Receive()
	assert.Equal(t, uint64(4), seqOf(t, req))
}

func TestMailboxRejectNew(t *testing.T) {
	m := NewMailbox(1, RejectNew)
	_, err := m.Send(infer(1))
	require.NoError(t, err)
	_, err = m.Send(infer(2))
	assert.ErrorIs(t, err, ErrQueueFull)

	req, _ := m.Receive()
	assert.Equal(t, uint64(1), seqOf(t, req))

	// Room again after the consumer drained.
	_, err = m.Send(infer(3))
	assert.NoError(t, err)
}

func TestMailboxCloseUnblocksReceive(t *testing.T) {
	m := NewMailbox(0, DropOldest)
	done := make(chan bool)
	go func() {
		_, ok := m.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}

	_, err := m.Send(infer(1))
	assert.ErrorIs(t, err, ErrMailboxClosed)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("reject-new")
	require.NoError(t, err)
	assert.Equal(t, RejectNew, p)
	assert.Equal(t, "drop-oldest", DropOldest.String())

	_, err = ParsePolicy("newest")
	assert.Error(t, err)
}
