package udp_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/boardsync/metrics"
	"github.com/zlnvch/boardsync/packet"
	"github.com/zlnvch/boardsync/udp"
)

// fakeTransport records every write and ACKs the Nth one when ackOn > 0.
type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	ackOn  int
	acks   chan packet.Packet
	seq    uint64
}

func newFakeTransport(ackOn int) *fakeTransport {
	return &fakeTransport{ackOn: ackOn, acks: make(chan packet.Packet, 8)}
}

func (f *fakeTransport) WriteTo(b []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), b...))
	n := len(f.writes)
	f.mu.Unlock()

	if n == f.ackOn {
		pkt, _ := packet.Decode(b)
		f.acks <- packet.NewAck(pkt.Sequence)
	}
	return len(b), nil
}

func (f *fakeTransport) AwaitAck(addr net.Addr) (<-chan packet.Packet, func()) {
	return f.acks, func() {}
}

func (f *fakeTransport) NextSequence() uint64 {
	f.seq++
	return f.seq
}

func (f *fakeTransport) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

var target = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}

func TestSendReliable_GivesUpAfterMaxRetries(t *testing.T) {
	transport := newFakeTransport(0)
	m := metrics.NewNetwork()
	rt := udp.NewRetransmitter(transport, m)

	var timeouts []time.Duration
	rt.OnAttempt = func(attempt int, timeout time.Duration) {
		timeouts = append(timeouts, timeout)
	}

	ok := rt.SendReliable(context.Background(), []byte(`{"type":"NOTIFICATION"}`), target, 3, time.Millisecond)

	assert.False(t, ok)
	assert.Equal(t, 4, transport.Writes())
	assert.Equal(t, []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
	}, timeouts)
	assert.Equal(t, int64(3), m.Retransmissions())
}

func TestSendReliable_AckOnFirstAttempt(t *testing.T) {
	transport := newFakeTransport(1)
	m := metrics.NewNetwork()
	rt := udp.NewRetransmitter(transport, m)

	ok := rt.SendReliable(context.Background(), []byte("x"), target, 3, 50*time.Millisecond)

	assert.True(t, ok)
	assert.Equal(t, 1, transport.Writes())
	assert.Zero(t, m.Retransmissions())
}

func TestSendReliable_AckOnThirdAttempt(t *testing.T) {
	transport := newFakeTransport(3)
	m := metrics.NewNetwork()
	rt := udp.NewRetransmitter(transport, m)

	ok := rt.SendReliable(context.Background(), []byte("x"), target, 3, time.Millisecond)

	assert.True(t, ok)
	assert.Equal(t, 3, transport.Writes())
	assert.Equal(t, int64(2), m.Retransmissions())
}

func TestSendReliable_SameSequenceOnEveryAttempt(t *testing.T) {
	transport := newFakeTransport(0)
	rt := udp.NewRetransmitter(transport, nil)

	rt.SendReliable(context.Background(), []byte("x"), target, 2, time.Millisecond)

	require.Equal(t, 3, transport.Writes())
	first, err := packet.Decode(transport.writes[0])
	require.NoError(t, err)
	for _, raw := range transport.writes[1:] {
		pkt, err := packet.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, first.Sequence, pkt.Sequence)
		assert.Equal(t, packet.TypeData, pkt.Type)
	}
}

func TestSendReliable_ContextCancelled(t *testing.T) {
	transport := newFakeTransport(0)
	rt := udp.NewRetransmitter(transport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok := rt.SendReliable(ctx, []byte("x"), target, 5, time.Second)

	assert.False(t, ok)
	assert.Equal(t, 1, transport.Writes())
}
