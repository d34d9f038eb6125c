package udp

import (
	"sync"

	"github.com/zlnvch/boardsync/packet"
)

// ackRouter hands ACK/NACK packets to whoever is waiting on the sender's address.
type ackRouter struct {
	mu      sync.Mutex
	nextId  uint64
	waiters map[string]map[uint64]chan packet.Packet
}

func newAckRouter() *ackRouter {
	return &ackRouter{waiters: make(map[string]map[uint64]chan packet.Packet)}
}

func (r *ackRouter) await(addr string) (<-chan packet.Packet, func()) {
	ch := make(chan packet.Packet, 4)

	r.mu.Lock()
	r.nextId++
	id := r.nextId
	if r.waiters[addr] == nil {
		r.waiters[addr] = make(map[uint64]chan packet.Packet)
	}
	r.waiters[addr][id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.waiters[addr], id)
		if len(r.waiters[addr]) == 0 {
			delete(r.waiters, addr)
		}
	}
}

// deliver reports whether anyone was waiting on addr.
func (r *ackRouter) deliver(addr string, pkt packet.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.waiters[addr]
	for _, ch := range waiters {
		select {
		case ch <- pkt:
		default:
		}
	}
	return len(waiters) > 0
}
