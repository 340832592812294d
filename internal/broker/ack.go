package broker

import (
	"github.com/clark15b/stompd/internal/stomp"
)

// handleAck implements the at-least-once redelivery cycle: ACK is only
// meaningful from AwaitAck, moves the connection back to Ready, and then
// immediately tries to hand it the next buffered message — first from its
// own private queue, then from whichever subscribed destination has one
// waiting (SPEC_FULL.md §4.5, grounded on the original core.cpp's onack()).
func (e *Engine) handleAck(conn *Connection, f *stomp.Frame) {
	if conn.State != AwaitAck {
		// The original silently ignores an ACK received outside
		// wait_for_ack (core.cpp:818) rather than treating it as a
		// protocol violation.
		return
	}

	conn.State = Ready

	if receipt, ok := f.Get("receipt"); ok {
		conn.postReply(stomp.ReceiptFrame(stomp.AssignReceiptID(receipt)))
	}

	e.deliverNext(conn)
}

// deliverNext attempts one redelivery: the connection's private queue
// takes priority over its named subscriptions, and among subscriptions the
// order is whatever Go's map iteration yields (no fairness guarantee is
// promised).
func (e *Engine) deliverNext(conn *Connection) {
	if q, err := e.store.QueueByIndex(conn.SessionID); err == nil {
		if raw, err := q.PopBack(); err == nil {
			conn.postRaw(raw)
			conn.State = AwaitAck
			return
		}
	}

	for _, q := range conn.subscriptions {
		if raw, err := q.PopBack(); err == nil {
			conn.postRaw(raw)
			conn.State = AwaitAck
			return
		}
	}
}
