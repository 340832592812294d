package broker

import (
	"github.com/clark15b/stompd/internal/stomp"
	"github.com/clark15b/stompd/internal/store"
)

// State is a connection's position in the per-connection state machine
// (SPEC_FULL.md §4.4).
type State int

const (
	AwaitLogin State = iota
	Ready
	AwaitAck
)

func (s State) String() string {
	switch s {
	case AwaitLogin:
		return "await-login"
	case Ready:
		return "ready"
	case AwaitAck:
		return "await-ack"
	default:
		return "unknown"
	}
}

// outboundCapacity is the in-memory per-connection outbound queue depth
// (SPEC_FULL.md §3, "capacity ~32").
const outboundCapacity = 32

// Connection is one active socket's state, owned exclusively by the
// reactor goroutine.
type Connection struct {
	SessionID uint32
	Fd        int
	Addr      string
	Identity  string
	Perm      Perm
	State     State

	parser *stomp.Parser

	// outbound holds already wire-encoded frames awaiting write, so a
	// frame popped verbatim from a durable queue (itself stored as
	// encoded bytes, see send.go) needs no re-encoding on delivery.
	// writeBuf holds the single frame currently being drained onto the
	// socket (at most one frame in flight, SPEC_FULL.md §4.4).
	outbound [][]byte
	writeBuf []byte

	CloseAfterFinish bool
	EOF              bool

	// subscriptions is the set of destination names this connection has
	// subscribed to, each resolved to its durable queue handle at SUBSCRIBE
	// time.
	subscriptions map[string]*store.Queue
}

func newConnection(fd int, addr string, sessionID uint32) *Connection {
	return &Connection{
		Fd:            fd,
		Addr:          addr,
		SessionID:     sessionID,
		State:         AwaitLogin,
		parser:        stomp.NewParser(),
		subscriptions: make(map[string]*store.Queue),
	}
}

// postReply encodes and pushes a frame onto the outbound queue.
func (c *Connection) postReply(f *stomp.Frame) {
	c.postRaw(stomp.Encode(f))
}

// postRaw pushes an already wire-encoded frame onto the outbound queue. On
// overflow the reply is silently dropped (SPEC_FULL.md §4.4): callers
// needing guaranteed delivery rely on the queue always being serviced
// before the next SEND from a given peer.
func (c *Connection) postRaw(raw []byte) {
	if len(c.outbound) >= outboundCapacity {
		return
	}
	c.outbound = append(c.outbound, raw)
}

func (c *Connection) hasOutboundWork() bool {
	return len(c.writeBuf) > 0 || len(c.outbound) > 0
}

// fillWriteBuf moves the next queued frame into writeBuf if writeBuf is
// currently empty, enforcing "at most one frame in flight" (SPEC_FULL.md
// §4.4).
func (c *Connection) fillWriteBuf() {
	if len(c.writeBuf) > 0 || len(c.outbound) == 0 {
		return
	}
	c.writeBuf = c.outbound[0]
	c.outbound = c.outbound[1:]
}
