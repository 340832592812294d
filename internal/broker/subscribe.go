package broker

import (
	"github.com/clark15b/stompd/internal/stomp"
	"github.com/clark15b/stompd/internal/store"
)

// requiredSubscribePerm implements the historical permission quirk
// preserved from the original: INPUT and OUTPUT are checked against the
// S_INPUT/S_OUTPUT bits, a destination matching the subscriber's own
// identity against S_SELF, and everything else — including arbitrary
// named queues — against the write bit W_OTHER rather than S_OTHER.
func requiredSubscribePerm(conn *Connection, dest string) Perm {
	switch {
	case dest == "INPUT":
		return SInput
	case dest == "OUTPUT":
		return SOutput
	case dest == conn.Identity:
		return SSelf
	default:
		return WOther
	}
}

func (e *Engine) handleSubscribe(conn *Connection, f *stomp.Frame) {
	dest, ok := f.Get("destination")
	if !ok {
		conn.postReply(stomp.ErrorFrame("missing destination"))
		conn.CloseAfterFinish = true
		return
	}

	if ack, _ := f.Get("ack"); ack != "client" {
		conn.postReply(stomp.ErrorFrame("SUBSCRIBE requires ack:client"))
		return
	}

	if !conn.Perm.Has(requiredSubscribePerm(conn, dest)) {
		conn.postReply(stomp.ErrorFrame("Access denied"))
		conn.CloseAfterFinish = true
		return
	}

	receipt, hasReceipt := f.Get("receipt")

	if _, already := conn.subscriptions[dest]; already {
		if hasReceipt {
			conn.postReply(stomp.ErrorFrame("already subscribed to " + dest))
		}
		return
	}

	q, err := e.store.QueueByName(dest)
	if err != nil {
		if hasReceipt {
			conn.postReply(stomp.ErrorFrame(err.Error()))
		}
		return
	}

	conn.subscriptions[dest] = q
	if e.subs[dest] == nil {
		e.subs[dest] = make(map[uint32]bool)
	}
	e.subs[dest][conn.SessionID] = true

	if hasReceipt {
		conn.postReply(stomp.ReceiptFrame(stomp.AssignReceiptID(receipt)))
	}

	e.log.Debug().Uint32("session", conn.SessionID).Str("destination", dest).Msg("subscribed")

	if conn.State == Ready {
		e.tryDeliverFromQueue(conn, q)
	}
}

func (e *Engine) handleUnsubscribe(conn *Connection, f *stomp.Frame) {
	dest, ok := f.Get("destination")
	if !ok {
		conn.postReply(stomp.ErrorFrame("missing destination"))
		conn.CloseAfterFinish = true
		return
	}

	e.unsubscribe(conn, dest)

	if receipt, ok := f.Get("receipt"); ok {
		conn.postReply(stomp.ReceiptFrame(stomp.AssignReceiptID(receipt)))
	}
}

// unsubscribe drops dest from both the connection's own subscription set
// and the engine-wide reverse index, and is also used on connection close
// to unwind every destination the session was still subscribed to.
func (e *Engine) unsubscribe(conn *Connection, dest string) {
	delete(conn.subscriptions, dest)
	if ids, ok := e.subs[dest]; ok {
		delete(ids, conn.SessionID)
		if len(ids) == 0 {
			delete(e.subs, dest)
		}
	}
}

// tryDeliverFromQueue pops and delivers a single message from q if one is
// immediately available, advancing conn into AwaitAck (SPEC_FULL.md §4.5).
func (e *Engine) tryDeliverFromQueue(conn *Connection, q *store.Queue) {
	raw, err := q.PopBack()
	if err != nil {
		return
	}
	conn.postRaw(raw)
	conn.State = AwaitAck
}
