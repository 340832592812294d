package broker

import (
	"errors"
	"strconv"
	"strings"

	"github.com/clark15b/stompd/internal/stomp"
	"github.com/clark15b/stompd/internal/store"
)

func parseSidDestination(dest string) (uint32, bool) {
	const prefix = "sid/"
	if !strings.HasPrefix(dest, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(dest[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// buildMessageFrame constructs the MESSAGE frame delivered for a SEND,
// stripping every inbound header the broker injects itself (content-length,
// source, source-ip, reply-to, message-id) and injecting the
// broker-authoritative ones ahead of whatever else the sender included
// (SPEC_FULL.md §4.5 step 2, §6).
func (e *Engine) buildMessageFrame(f *stomp.Frame, sender *Connection) *stomp.Frame {
	headers := []stomp.Header{
		stomp.H("reply-to", "sid/"+strconv.FormatUint(uint64(sender.SessionID), 10)),
		stomp.H("message-id", strconv.FormatUint(uint64(e.nextMsgID()), 10)),
		stomp.H("source", sender.Identity),
		stomp.H("source-ip", sender.Addr),
		stomp.H("content-length", strconv.Itoa(len(f.Body))),
	}
	for _, h := range f.Headers {
		switch h.Name {
		case "content-length", "source", "source-ip", "reply-to", "message-id":
			continue
		}
		headers = append(headers, h)
	}
	return stomp.New("MESSAGE", headers, f.Body)
}

func (e *Engine) handleSend(conn *Connection, f *stomp.Frame) {
	dest, ok := f.Get("destination")
	if !ok {
		conn.postReply(stomp.ErrorFrame("missing destination"))
		conn.CloseAfterFinish = true
		return
	}

	receipt, hasReceipt := f.Get("receipt")

	maxNum := -1
	if v, ok := f.Get("max-num"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			maxNum = n
		}
	}

	sidTarget, isDirect := parseSidDestination(dest)

	var required Perm
	switch {
	case isDirect:
		required = WPrivate
	case dest == "INPUT":
		required = WInput
	case dest == "OUTPUT":
		required = WOutput
	default:
		required = WOther
	}

	if !conn.Perm.Has(required) {
		conn.postReply(stomp.ErrorFrame("Access denied"))
		conn.CloseAfterFinish = true
		return
	}

	msg := e.buildMessageFrame(f, conn)
	raw := stomp.Encode(msg)

	if isDirect {
		e.deliverDirect(conn, sidTarget, raw, receipt, hasReceipt)
		return
	}
	e.deliverNamed(conn, dest, raw, maxNum, receipt, hasReceipt)
}

func (e *Engine) deliverDirect(sender *Connection, targetSID uint32, raw []byte, receipt string, hasReceipt bool) {
	if target, ok := e.byID[targetSID]; ok && target.State == Ready {
		target.postRaw(raw)
		target.State = AwaitAck
		e.Metrics.SendOutcome("delivered_direct")
		e.replySendReceipt(sender, receipt, hasReceipt, 0)
		return
	}

	// Session offline, busy, or unknown: buffer under its private queue
	// regardless (SPEC_FULL.md §11 open question, preserved as the
	// apparent intent).
	q, err := e.store.QueueByIndex(targetSID)
	if err != nil {
		e.sendSendError(sender, hasReceipt, err)
		return
	}
	e.pushAndReply(sender, q, raw, -1, receipt, hasReceipt)
}

func (e *Engine) deliverNamed(sender *Connection, dest string, raw []byte, maxNum int, receipt string, hasReceipt bool) {
	if ids, ok := e.subs[dest]; ok {
		for sid := range ids {
			c, ok := e.byID[sid]
			if !ok || c.State != Ready {
				continue
			}
			c.postRaw(raw)
			c.State = AwaitAck
			e.Metrics.SendOutcome("delivered_subscriber")
			e.replySendReceipt(sender, receipt, hasReceipt, 0)
			return
		}
	}

	q, err := e.store.QueueByName(dest)
	if err != nil {
		e.sendSendError(sender, hasReceipt, err)
		return
	}
	e.pushAndReply(sender, q, raw, maxNum, receipt, hasReceipt)
}

func (e *Engine) pushAndReply(sender *Connection, q *store.Queue, raw []byte, maxNum int, receipt string, hasReceipt bool) {
	cur, err := q.PushFront(raw, maxNum)
	if err != nil {
		outcome := "storage-failure"
		if errors.Is(err, store.ErrQueueBounded) || errors.Is(err, store.ErrQueueFull) {
			outcome = "bounded"
		}
		e.Metrics.SendOutcome(outcome)
		e.sendSendError(sender, hasReceipt, err)
		return
	}
	e.Metrics.SendOutcome("queued")
	e.replySendReceipt(sender, receipt, hasReceipt, cur)
}

// sendSendError applies §7's resource-busy/storage-failure rule: reply
// only if the request carried a receipt, otherwise drop silently.
func (e *Engine) sendSendError(conn *Connection, hasReceipt bool, err error) {
	if !hasReceipt {
		return
	}
	conn.postReply(stomp.ErrorFrame(err.Error()))
}

func (e *Engine) replySendReceipt(conn *Connection, receipt string, hasReceipt bool, curNum uint32) {
	if !hasReceipt {
		return
	}
	conn.postReply(stomp.ReceiptFrame(
		stomp.AssignReceiptID(receipt),
		stomp.H("queue-size", strconv.FormatUint(uint64(curNum), 10)),
	))
}
