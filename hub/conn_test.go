package hub_test

import (
	"errors"
	"sync"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   [][]byte
	err    error
	panics bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	if c.panics {
		panic("peer exploded")
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

var errBroken = errors.New("broken pipe")
