package p2p

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xphantomotr/ndchat/pkg/types"
)

type Role uint8

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "acceptor"
}

type State int32

const (
	StateDialing State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is one TCP link to a peer. Writes are serialized; reads belong to the
// worker serving the connection.
type Conn struct {
	raw   net.Conn
	role  Role
	state atomic.Int32

	wmu           sync.Mutex
	w             *bufio.Writer
	handshakeSent bool

	mu         sync.Mutex
	host       *types.Host
	superseded bool

	closeOnce sync.Once
}

func newConn(raw net.Conn, role Role) *Conn {
	c := &Conn{raw: raw, role: role, w: bufio.NewWriter(raw)}
	c.state.Store(int32(StateDialing))
	return c
}

func (c *Conn) Role() Role           { return c.role }
func (c *Conn) State() State         { return State(c.state.Load()) }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }

func (c *Conn) setState(s State) {
	for {
		cur := c.state.Load()
		// closed is terminal
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Host returns the peer bound by the last accepted handshake.
func (c *Conn) Host() (types.Host, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == nil {
		return types.Host{}, false
	}
	return *c.host, true
}

func (c *Conn) bind(h types.Host) {
	c.mu.Lock()
	c.host = &h
	c.mu.Unlock()
}

func (c *Conn) markSuperseded() {
	c.mu.Lock()
	c.superseded = true
	c.mu.Unlock()
}

func (c *Conn) isSuperseded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.superseded
}

func (c *Conn) writeLine(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked(line)
}

func (c *Conn) writeLocked(line []byte) error {
	if _, err := c.w.Write(line); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Conn) send(p Packet) error {
	line, err := EncodePacket(p)
	if err != nil {
		return err
	}
	return c.writeLine(line)
}

// sendHandshake announces self once per connection. It reports whether a
// handshake was written by this call.
func (c *Conn) sendHandshake(self types.Host) (bool, error) {
	line, err := EncodePacket(NewHandshake(self))
	if err != nil {
		return false, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.handshakeSent {
		return false, nil
	}
	if err := c.writeLocked(line); err != nil {
		return false, err
	}
	c.handshakeSent = true
	return true, nil
}

func (c *Conn) sendDisconnect(self types.Host, timeout time.Duration) error {
	_ = c.raw.SetWriteDeadline(time.Now().Add(timeout))
	return c.send(Disconnect{ID: self.ID})
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		err = c.raw.Close()
	})
	return err
}
