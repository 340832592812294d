package broker

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/clark15b/stompd/internal/config"
	"github.com/clark15b/stompd/internal/logging"
	"github.com/clark15b/stompd/internal/store"
	"github.com/clark15b/stompd/internal/users"
)

// pollTimeoutMillis bounds how long a single EpollWait call blocks, so the
// reactor periodically wakes to drain the signal channel even though Go's
// signal delivery does not interrupt a blocking epoll_wait the way the
// original's libevent signal events did (SPEC_FULL.md §4.4).
const pollTimeoutMillis = 250

const readChunk = 1024
const readChunksPerTick = 4

// Engine is the Broker value: the reactor plus everything the Dispatcher
// needs, bundled per SPEC_FULL.md §11 ("global mutable singletons... one
// Broker value owned by the reactor").
type Engine struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  *store.Store
	users  *users.Directory
	noLogin bool

	epfd     int
	listenFd int

	byFd map[int]*Connection
	byID map[uint32]*Connection

	// subs is the process-wide subscription index: destination name to
	// the set of subscribing session ids.
	subs map[string]map[uint32]bool

	nextMessageID uint32

	sigCh chan os.Signal
	quit  bool

	Metrics EngineMetrics
}

// EngineMetrics is the subset of the ambient metrics package the reactor
// updates inline; kept as an interface so the broker package does not
// import the metrics package directly (avoids a dependency cycle since
// metrics observes broker-level counters by name, not by type).
type EngineMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameReceived(command string)
	SendOutcome(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()          {}
func (noopMetrics) ConnectionClosed()          {}
func (noopMetrics) FrameReceived(string)       {}
func (noopMetrics) SendOutcome(string)         {}

// New constructs the Broker value. Callers must call Listen then Run.
func New(cfg *config.Config, log zerolog.Logger, st *store.Store, ud *users.Directory) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     log,
		store:   st,
		users:   ud,
		noLogin: cfg.NoLogin,
		byFd:    make(map[int]*Connection),
		byID:    make(map[uint32]*Connection),
		subs:    make(map[string]map[uint32]bool),
		Metrics: noopMetrics{},
	}
}

// Listen opens the epoll instance and the TCP listener, non-blocking with
// SO_REUSEADDR set (SPEC_FULL.md §6).
func (e *Engine) Listen(addr string) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("engine: epoll_create1: %w", err)
	}
	e.epfd = epfd

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("engine: resolve %q: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("engine: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("engine: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("engine: set nonblocking: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("engine: bind %q: %w", addr, err)
	}
	if err := unix.Listen(fd, e.cfg.Backlog); err != nil {
		return fmt.Errorf("engine: listen: %w", err)
	}

	e.listenFd = fd
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("engine: epoll_ctl listener: %w", err)
	}

	e.sigCh = make(chan os.Signal, 8)
	signal.Notify(e.sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP)

	e.log.Info().Str("listen", addr).Msg("listening")
	return nil
}

// Run drives the reactor loop until a termination signal is observed.
// Exactly one goroutine owns all broker state here; no locking is used.
func (e *Engine) Run() {
	events := make([]unix.EpollEvent, e.cfg.MaxConnections)

	for !e.quit {
		e.drainSignals()
		if e.quit {
			break
		}

		n, err := unix.EpollWait(e.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			e.log.Error().Err(err).Msg("epoll_wait failed")
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == e.listenFd {
				e.onAccept()
				continue
			}
			e.onEvent(fd, events[i].Events)
		}

		e.reapClosed()
	}

	e.shutdown()
}

func (e *Engine) drainSignals() {
	for {
		select {
		case sig := <-e.sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := e.users.Reload(); err != nil {
					e.log.Warn().Err(err).Msg("user directory reload failed")
				} else {
					e.log.Info().Msg("user directory reloaded")
				}
			default:
				e.log.Info().Str("signal", sig.String()).Msg("shutting down")
				e.quit = true
			}
		default:
			return
		}
	}
}

func (e *Engine) onAccept() {
	for {
		fd, sa, err := unix.Accept4(e.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			e.log.Warn().Err(err).Msg("accept failed")
			return
		}

		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		addr := peerAddr(sa)
		sessionID, ok := e.allocateSessionID()
		if !ok {
			e.log.Error().Msg("session id allocation exhausted retries")
			unix.Close(fd)
			continue
		}

		conn := newConnection(fd, addr, sessionID)
		if e.noLogin {
			conn.State = Ready
			if perm, ok := RoleToPerm("all"); ok {
				conn.Perm = perm
			}
			conn.Identity = "anonymous"
		}

		e.byFd[fd] = conn
		e.byID[sessionID] = conn

		if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}); err != nil {
			e.log.Warn().Err(err).Msg("epoll_ctl add failed")
			e.closeConn(conn)
			continue
		}

		e.Metrics.ConnectionOpened()
		e.log.Debug().Uint32("session", sessionID).Str("peer", addr).Msg("accepted")
	}
}

func (e *Engine) allocateSessionID() (uint32, bool) {
	for i := 0; i < 10; i++ {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := e.byID[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

func peerAddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	default:
		return "unknown"
	}
}

func (e *Engine) onEvent(fd int, evmask uint32) {
	conn, ok := e.byFd[fd]
	if !ok {
		return
	}

	if evmask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		conn.EOF = true
	}

	if evmask&unix.EPOLLIN != 0 {
		e.onReadable(conn)
	}

	if evmask&unix.EPOLLOUT != 0 {
		e.onWritable(conn)
	}

	e.armInterest(conn)
}

func (e *Engine) onReadable(conn *Connection) {
	var buf [readChunk]byte
	for i := 0; i < readChunksPerTick; i++ {
		n, err := unix.Read(conn.Fd, buf[:])
		if n > 0 {
			frames, perr := conn.parser.Feed(buf[:n])
			for _, f := range frames {
				e.Metrics.FrameReceived(f.Command)
				e.handleFrame(conn, f)
			}
			if perr != nil {
				conn.EOF = true
				return
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			conn.EOF = true
			return
		}
		if n == 0 {
			conn.EOF = true
			return
		}
		if n < readChunk {
			return
		}
	}
}

func (e *Engine) onWritable(conn *Connection) {
	conn.fillWriteBuf()
	if len(conn.writeBuf) == 0 {
		return
	}

	n, err := unix.Write(conn.Fd, conn.writeBuf)
	if n > 0 {
		conn.writeBuf = conn.writeBuf[n:]
	}
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		conn.EOF = true
		return
	}

	if len(conn.writeBuf) == 0 && len(conn.outbound) == 0 && conn.CloseAfterFinish {
		conn.EOF = true
	}
}

// armInterest recomputes and, if changed, re-applies this connection's
// epoll interest set: read-only when idle, read+write while outbound work
// is pending (SPEC_FULL.md §4.4's "arm read-only... until more outbound
// work arrives").
func (e *Engine) armInterest(conn *Connection) {
	conn.fillWriteBuf()

	want := uint32(unix.EPOLLIN)
	if conn.hasOutboundWork() {
		want |= unix.EPOLLOUT
	}

	unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, conn.Fd, &unix.EpollEvent{
		Events: want,
		Fd:     int32(conn.Fd),
	})
}

func (e *Engine) reapClosed() {
	for fd, conn := range e.byFd {
		if conn.EOF && len(conn.writeBuf) == 0 && len(conn.outbound) == 0 {
			e.closeConn(conn)
			delete(e.byFd, fd)
		}
	}
}

func (e *Engine) closeConn(conn *Connection) {
	unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, conn.Fd, nil)
	unix.Close(conn.Fd)
	for name := range conn.subscriptions {
		e.unsubscribe(conn, name)
	}
	delete(e.byID, conn.SessionID)
	e.Metrics.ConnectionClosed()
	e.log.Debug().Uint32("session", conn.SessionID).Msg("closed")
}

func (e *Engine) shutdown() {
	e.log.Info().Msg("reactor loop exiting")
	for _, conn := range e.byFd {
		unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, conn.Fd, nil)
		unix.Close(conn.Fd)
	}
	unix.Close(e.listenFd)
	unix.Close(e.epfd)
}

func (e *Engine) nextMsgID() uint32 {
	e.nextMessageID++
	return e.nextMessageID
}
