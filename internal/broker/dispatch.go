package broker

import (
	"strconv"

	"github.com/clark15b/stompd/internal/logging"
	"github.com/clark15b/stompd/internal/stomp"
)

// handleFrame is the Dispatcher's entry point, grounded on the original
// core.cpp's onstomp(): one frame in, zero or more replies queued, the
// connection's state machine advanced by at most one step.
func (e *Engine) handleFrame(conn *Connection, f *stomp.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogRecovered(e.log, r, conn.SessionID)
			conn.EOF = true
		}
	}()

	if conn.State == AwaitLogin {
		switch f.Command {
		case "CONNECT", "STOMP":
			e.handleConnect(conn, f)
		default:
			conn.postReply(stomp.ErrorFrame("Access denied"))
			conn.CloseAfterFinish = true
		}
		return
	}

	switch f.Command {
	case "SEND":
		e.handleSend(conn, f)
	case "SUBSCRIBE":
		e.handleSubscribe(conn, f)
	case "UNSUBSCRIBE":
		e.handleUnsubscribe(conn, f)
	case "ACK":
		e.handleAck(conn, f)
	case "DISCONNECT":
		e.handleDisconnect(conn, f)
	case "SYSTEM":
		e.handleSystem(conn, f)
	case "PUT":
		e.handlePut(conn, f)
	case "GET":
		e.handleGet(conn, f)
	default:
		conn.postReply(stomp.ErrorFrame("Unknown command: " + f.Command))
		conn.CloseAfterFinish = true
	}
}

func (e *Engine) handleConnect(conn *Connection, f *stomp.Frame) {
	login, _ := f.Get("login")
	passcode, _ := f.Get("passcode")

	deny := func() {
		conn.postReply(stomp.ErrorFrame("Access denied"))
		conn.CloseAfterFinish = true
	}

	user, err := e.users.Get(login)
	if err != nil {
		deny()
		return
	}
	if !user.Validate(passcode) {
		deny()
		return
	}
	perm, ok := RoleToPerm(user.Role())
	if !ok {
		deny()
		return
	}

	conn.Identity = login
	conn.Perm = perm
	conn.State = Ready

	conn.postReply(stomp.New("CONNECTED", []stomp.Header{
		stomp.H("session", strconv.FormatUint(uint64(conn.SessionID), 10)),
	}, nil))

	e.log.Info().Str("login", login).Uint32("session", conn.SessionID).Msg("connected")
}

func (e *Engine) handleDisconnect(conn *Connection, f *stomp.Frame) {
	e.log.Debug().Uint32("session", conn.SessionID).Msg("disconnect requested")

	if receipt, ok := f.Get("receipt"); ok {
		conn.postReply(stomp.ReceiptFrame(stomp.AssignReceiptID(receipt)))
		conn.CloseAfterFinish = true
		return
	}
	conn.CloseAfterFinish = true
}
