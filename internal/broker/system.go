package broker

import (
	"strconv"
	"strings"

	"github.com/clark15b/stompd/internal/stomp"
)

// handleSystem implements the administrative SYSTEM verb: ls/count/size,
// gated on the System permission bit (SPEC_FULL.md §4.5).
func (e *Engine) handleSystem(conn *Connection, f *stomp.Frame) {
	if !conn.Perm.Has(System) {
		conn.postReply(stomp.ErrorFrame("Access denied"))
		conn.CloseAfterFinish = true
		return
	}

	cmd, _ := f.Get("cmd")
	switch cmd {
	case "ls":
		e.systemLs(conn)
	case "count":
		e.systemCount(conn)
	case "size":
		e.systemSize(conn, f)
	default:
		conn.postReply(stomp.ErrorFrame("unknown SYSTEM command: " + cmd))
	}
}

// postSystem builds the SYSTEM\ncontent-type:text/plain\n\n<data>\0 reply
// every SYSTEM subcommand shares (SPEC_FULL.md §4.5, core.cpp:927-955).
func (e *Engine) postSystem(conn *Connection, body string) {
	conn.postReply(stomp.New("SYSTEM", []stomp.Header{
		stomp.H("content-type", "text/plain"),
	}, []byte(body)))
}

func (e *Engine) systemLs(conn *Connection) {
	var names []string
	if err := e.store.List(func(name string) error {
		names = append(names, name)
		return nil
	}); err != nil {
		conn.postReply(stomp.ErrorFrame(err.Error()))
		return
	}

	e.postSystem(conn, strings.Join(names, "\n"))
}

func (e *Engine) systemCount(conn *Connection) {
	count, err := e.store.Count()
	if err != nil {
		conn.postReply(stomp.ErrorFrame(err.Error()))
		return
	}
	e.postSystem(conn, strconv.FormatUint(uint64(count), 10))
}

// systemSize reports the depth of each comma-separated queue name in the
// arg header as "<name> <size>" per line, silently omitting names that
// don't currently exist (core.cpp:949).
func (e *Engine) systemSize(conn *Connection, f *stomp.Frame) {
	arg, _ := f.Get("arg")

	var b strings.Builder
	for _, name := range strings.Split(arg, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		q, ok, err := e.store.QueueByNameIfExists(name)
		if err != nil || !ok {
			continue
		}
		size, err := q.Size()
		if err != nil {
			continue
		}
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(uint64(size), 10))
		b.WriteByte('\n')
	}

	e.postSystem(conn, b.String())
}
