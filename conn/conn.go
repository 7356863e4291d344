// Package conn implements the per-connection protocol engine: the state
// machine that performs the handshake, frames messages header-then-body in
// both directions, serializes concurrent writes onto one socket, and
// publishes assembled messages onto a shared inbox.
//
// Every field mutation happens on a single goroutine per Connection — its
// reactor — so the concurrency contract ("all mutation of a Connection's
// fields occurs inside callbacks the reactor serializes") holds by
// construction. Send and Disconnect, callable from any goroutine, only ever
// post a closure onto the reactor's job channel; blocking socket I/O runs
// on short-lived helper goroutines whose sole job is to hand their result
// back to the reactor the same way. This is a direct translation of the
// source's asio::post-driven callback chain (see net_connection.h), not a
// redesign: Go has no native async I/O completion model, so a goroutine
// that does one blocking call and posts its result is the idiomatic stand-in
// for an asio completion handler.
//
// Grounded on the teacher's internal/rtmp/conn package (Connection struct,
// context-based lifecycle, startReadLoop/startWriteLoop goroutines,
// log/slog field scoping) generalized from RTMP chunk framing to the
// generic header+body frame this library defines.
package conn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kestrelnet/netline"
	"github.com/kestrelnet/netline/internal/bufpool"
	"github.com/kestrelnet/netline/internal/handshake"
	"github.com/kestrelnet/netline/internal/logger"
	"github.com/kestrelnet/netline/internal/xerrors"
)

// Role identifies which side of the handshake a Connection plays. It is
// set at construction and never changes.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the Connection's position in its lifecycle (spec.md §4.3).
type State int32

const (
	StateUnstarted State = iota
	StateHandshakingServer
	StateHandshakingClient
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateHandshakingServer:
		return "handshaking_server"
	case StateHandshakingClient:
		return "handshaking_client"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the per-peer protocol engine described in spec.md §4.3.
// The zero value is not usable; construct one with New.
type Connection[T netline.MessageID] struct {
	role    Role
	netConn net.Conn
	inbox   *netline.Queue[netline.OwnedMessage[T]]

	id      atomic.Uint32 // server-assigned; zero on the client side
	traceID string        // google/uuid correlation id, distinct from id
	state   atomic.Int32

	// jobs is the reactor's work queue. Every mutation below this line is
	// only ever touched from the goroutine draining jobs.
	jobs   chan func()
	done   chan struct{}
	exited chan struct{} // closed by reactorLoop on return; join point for Wait
	stop   sync.Once

	outbound []netline.Message[T] // reactor-only; no lock needed (see package doc)
	staging  netline.Message[T]   // partially-read inbound message

	handshakeOut   uint64
	handshakeIn    uint64
	handshakeCheck uint64

	log *slog.Logger
}

// New constructs a Connection over an already-accepted or already-dialed
// net.Conn. It does not start the reactor or begin the handshake — call
// ConnectToClient (server role) or ConnectToServer (client role) for that.
func New[T netline.MessageID](role Role, netConn net.Conn, inbox *netline.Queue[netline.OwnedMessage[T]]) *Connection[T] {
	c := &Connection[T]{
		role:    role,
		netConn: netConn,
		inbox:   inbox,
		traceID: uuid.New().String(),
		jobs:    make(chan func(), 16),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	c.state.Store(int32(StateUnstarted))
	c.log = logger.Logger().With("component", "conn", "role", role.String(), "trace_id", c.traceID)
	go c.reactorLoop()
	return c
}

func (c *Connection[T]) reactorLoop() {
	defer close(c.exited)
	for {
		select {
		case job, ok := <-c.jobs:
			if !ok {
				return
			}
			job()
		case <-c.done:
			return
		}
	}
}

// post enqueues fn to run on the reactor goroutine. It never runs fn
// inline, even when called from the reactor itself, so callers can't
// accidentally assume synchronous completion.
func (c *Connection[T]) post(fn func()) {
	select {
	case c.jobs <- fn:
	case <-c.done:
	}
}

// GetID returns the server-assigned connection ID, or 0 on the client side
// or before the server has assigned one.
func (c *Connection[T]) GetID() uint32 { return c.id.Load() }

// TraceID returns the connection's log-correlation identifier. Distinct
// from GetID: it is unique and non-zero on both client and server, and
// exists purely for diagnostics.
func (c *Connection[T]) TraceID() string { return c.traceID }

// State returns the Connection's current lifecycle state. Like IsConnected,
// reading it from outside the reactor is a hint.
func (c *Connection[T]) State() State { return State(c.state.Load()) }

// IsConnected reports whether the connection believes its socket is open.
// Per spec.md §4.3 this is a racy hint, not a guarantee: it can flip to
// false the instant after this returns true.
func (c *Connection[T]) IsConnected() bool {
	return State(c.state.Load()) != StateClosed
}

// Disconnect posts a socket close onto the reactor and blocks until the
// reactor goroutine has actually exited, so that by the time it returns the
// Connection's worker is fully joined. Idempotent and safe to call from any
// goroutine, any number of times. Must not be called from the reactor
// goroutine itself (e.g. from an onValidated callback) — it would deadlock
// waiting on its own exit.
func (c *Connection[T]) Disconnect() {
	c.post(func() { c.closeLocked("disconnect requested") })
	c.Wait()
}

// Wait blocks until the Connection's reactor goroutine has exited. Callers
// that spawn their own shutdown coordination (netserver.Server.Stop,
// netclient.Client.Disconnect) use this to join the goroutine New started.
func (c *Connection[T]) Wait() {
	<-c.exited
}

// closeLocked must only run on the reactor goroutine. It closes the socket,
// transitions to Closed, and unblocks the reactor loop and any helper
// goroutines waiting to post back to it.
func (c *Connection[T]) closeLocked(reason string) {
	if State(c.state.Load()) == StateClosed {
		return
	}
	c.state.Store(int32(StateClosed))
	_ = c.netConn.Close()
	c.stop.Do(func() { close(c.done) })
	if c.GetID() != 0 {
		logger.WithConn(c.log, fmt.Sprintf("%d", c.GetID()), c.netConn.RemoteAddr().String()).Info("connection closed", "reason", reason)
	} else {
		c.log.Info("connection closed", "reason", reason)
	}
}

// Send posts msg onto the reactor's outbound queue. Per spec.md §4.3, the
// outbound queue's emptiness immediately before the push is the "writer
// idle" latch: if a write is already in flight the new message just waits,
// enforcing at most one outstanding write per Connection without a
// separate flag.
func (c *Connection[T]) Send(msg netline.Message[T]) {
	c.post(func() {
		if State(c.state.Load()) == StateClosed {
			return
		}
		writerIdle := len(c.outbound) == 0
		c.outbound = append(c.outbound, msg)
		if writerIdle {
			c.startHeaderWrite()
		}
	})
}

// ConnectToClient is called by the server immediately after accepting a
// socket. It assigns the connection's ID, starts the server half of the
// handshake, and invokes onValidated (from the reactor goroutine) once the
// peer's scrambled reply matches. onValidated plays the role of the
// source's server_interface::OnClientValidated callback, passed in here
// instead of resolved through inheritance (spec.md §9).
func (c *Connection[T]) ConnectToClient(id uint32, onValidated func(*Connection[T])) {
	c.id.Store(id)
	c.post(func() {
		c.state.Store(int32(StateHandshakingServer))
		c.handshakeOut = handshake.Challenge()
		c.handshakeCheck = handshake.Scramble(c.handshakeOut)
		c.asyncWriteWord(c.handshakeOut, func(err error) {
			if err != nil {
				c.failHandshake("write challenge", err)
				return
			}
			c.asyncReadWord(func(word uint64, err error) {
				if err != nil {
					c.failHandshake("read reply", err)
					return
				}
				c.handshakeIn = word
				if c.handshakeIn != c.handshakeCheck {
					c.failHandshake("validate reply", xerrors.New(xerrors.KindHandshakeFailed, "conn.validate", fmt.Errorf("scrambled reply mismatch")))
					return
				}
				handshake.ClearDeadlines(c.netConn)
				c.state.Store(int32(StateEstablished))
				if onValidated != nil {
					onValidated(c)
				}
				c.startHeaderRead()
			})
		})
	})
}

// ConnectToServer is called by the client once net.Dial has produced a
// connected socket. Unlike the source's asio::async_connect, Go's dial is
// already synchronous by the time a Connection exists, so this method only
// covers the handshake half of spec.md's ConnectToClient/ConnectToServer
// pair; the resolve-and-dial step lives in netclient.Connect.
func (c *Connection[T]) ConnectToServer() {
	c.post(func() {
		c.state.Store(int32(StateHandshakingClient))
		c.asyncReadWord(func(word uint64, err error) {
			if err != nil {
				c.failHandshake("read challenge", err)
				return
			}
			c.handshakeIn = word
			c.handshakeOut = handshake.Scramble(c.handshakeIn)
			c.asyncWriteWord(c.handshakeOut, func(err error) {
				if err != nil {
					c.failHandshake("write reply", err)
					return
				}
				handshake.ClearDeadlines(c.netConn)
				c.state.Store(int32(StateEstablished))
				c.startHeaderRead()
			})
		})
	})
}

func (c *Connection[T]) failHandshake(op string, err error) {
	c.log.Warn("handshake failed", "op", op, "error", err)
	c.closeLocked("handshake failed: " + op)
}

func (c *Connection[T]) failIO(op string, err error) {
	if errIsClosed(err) {
		c.closeLocked(op)
		return
	}
	connLog := c.log
	if id := c.GetID(); id != 0 {
		connLog = logger.WithConn(c.log, fmt.Sprintf("%d", id), c.netConn.RemoteAddr().String())
	}
	connLog.Warn("io error", "op", op, "error", err)
	c.closeLocked(op)
}

func errIsClosed(err error) bool {
	return err == io.EOF || err == io.ErrClosedPipe
}

// asyncWriteWord runs a single 8-byte handshake write on a helper goroutine
// and posts the result back to the reactor.
func (c *Connection[T]) asyncWriteWord(word uint64, cont func(error)) {
	go func() {
		err := handshake.WriteWord(c.netConn, word)
		c.post(func() { cont(err) })
	}()
}

// asyncReadWord runs a single 8-byte handshake read on a helper goroutine
// and posts the result back to the reactor.
func (c *Connection[T]) asyncReadWord(cont func(uint64, error)) {
	go func() {
		word, err := handshake.ReadWord(c.netConn)
		c.post(func() { cont(word, err) })
	}()
}

// startHeaderWrite serializes the front of the outbound queue's header and
// hands the bytes to a helper goroutine. Reactor-only.
func (c *Connection[T]) startHeaderWrite() {
	msg := c.outbound[0]
	var buf bytes.Buffer
	buf.Grow(binary.Size(msg.Header))
	if err := binary.Write(&buf, netline.ByteOrder, msg.Header); err != nil {
		c.failIO("write header encode", xerrors.New(xerrors.KindEncoding, "conn.write", err))
		return
	}
	c.spawnWrite(buf.Bytes(), func(err error) {
		if err != nil {
			c.failIO("write header", err)
			return
		}
		if len(msg.Body) == 0 {
			c.finishWrite()
			return
		}
		c.startBodyWrite(msg.Body)
	})
}

// startBodyWrite hands the body bytes of the message currently at the
// front of the outbound queue to a helper goroutine. Reactor-only.
func (c *Connection[T]) startBodyWrite(body []byte) {
	c.spawnWrite(body, func(err error) {
		if err != nil {
			c.failIO("write body", err)
			return
		}
		c.finishWrite()
	})
}

// finishWrite pops the message that just finished writing and, if another
// is queued behind it, starts its header write — the single-outstanding-
// write invariant is just "only ever one write in flight per finishWrite
// call". Reactor-only.
func (c *Connection[T]) finishWrite() {
	c.outbound = c.outbound[1:]
	if len(c.outbound) > 0 {
		c.startHeaderWrite()
	}
}

// spawnWrite writes the full contents of b on a helper goroutine and posts
// the result back to the reactor. A short write is treated as fatal, same
// as any other write error, since net.Conn.Write on a stream socket blocks
// until the whole buffer is written or an error occurs.
func (c *Connection[T]) spawnWrite(b []byte, cont func(error)) {
	go func() {
		_, err := c.netConn.Write(b)
		c.post(func() { cont(err) })
	}()
}

// startHeaderRead reads one fixed-size Header on a helper goroutine and,
// on success, starts reading the body it describes. Reactor-only; called
// once after the handshake completes and once again after every message is
// published, so exactly one read is ever outstanding.
func (c *Connection[T]) startHeaderRead() {
	size := binary.Size(c.staging.Header)
	buf := make([]byte, size)
	c.spawnRead(buf, func(err error) {
		if err != nil {
			c.failIO("read header", err)
			return
		}
		var hdr netline.Header[T]
		if err := binary.Read(bytes.NewReader(buf), netline.ByteOrder, &hdr); err != nil {
			c.failIO("read header decode", xerrors.New(xerrors.KindEncoding, "conn.read", err))
			return
		}
		c.staging = netline.Message[T]{Header: hdr}
		if hdr.Size == 0 {
			c.publish(c.staging)
			c.startHeaderRead()
			return
		}
		c.startBodyRead(hdr.Size)
	})
}

// startBodyRead reads exactly size bytes of body on a helper goroutine
// into a read buffer taken from the size-classed pool; the published body
// is a fresh copy of those bytes, and the read buffer goes back to the pool.
func (c *Connection[T]) startBodyRead(size uint32) {
	buf := bufpool.Get(int(size))
	c.spawnRead(buf, func(err error) {
		if err != nil {
			bufpool.Put(buf)
			c.failIO("read body", err)
			return
		}
		c.staging.Body = append([]byte(nil), buf...)
		bufpool.Put(buf)
		c.publish(c.staging)
		c.startHeaderRead()
	})
}

// spawnRead fills b entirely (io.ReadFull semantics) on a helper goroutine
// and posts the result back to the reactor.
func (c *Connection[T]) spawnRead(b []byte, cont func(error)) {
	go func() {
		_, err := io.ReadFull(c.netConn, b)
		c.post(func() { cont(err) })
	}()
}

// publish pushes an assembled message onto the shared inbox. On the server
// side it tags the message with this Connection as its Remote so the
// receiver can reply or disconnect the originator; on the client side
// Remote is left nil per spec.md §3, since a Client has exactly one
// connection and nothing to disambiguate. Reactor-only.
func (c *Connection[T]) publish(msg netline.Message[T]) {
	var remote netline.Remote[T]
	if c.role == RoleServer {
		remote = c
	}
	c.inbox.PushBack(netline.OwnedMessage[T]{Remote: remote, Msg: msg})
}
