// Package netserver implements the server endpoint described in spec.md
// §4.4: an acceptor that hands every incoming socket to a Connection in the
// server role, an ordered set of active connections, and the
// Update/MessageClient/MessageAllClients operations applications drive from
// their own goroutine.
//
// Grounded on the teacher's internal/rtmp/server package: Config with
// applyDefaults, an accept loop joined on Stop (here by an errgroup.Group
// in place of the teacher's sync.WaitGroup), and a
// mutex-guarded registry of live connections — generalized from RTMP's
// stream-key-keyed Registry to an ID-keyed, ordered active set, and from
// RTMP's command dispatcher to the capability-set Handlers struct below.
package netserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelnet/netline"
	"github.com/kestrelnet/netline/conn"
	"github.com/kestrelnet/netline/internal/logger"
	"github.com/kestrelnet/netline/internal/xerrors"
)

// firstClientID matches the source's counter, which starts at 10000 so
// connection IDs are visually distinct from small application-level
// identifiers in logs.
const firstClientID = 10000

// Handlers is the application's capability set: named function fields the
// server invokes at each lifecycle event, in place of an interface an
// application would otherwise have to subclass. A zero-value Handlers
// refuses every connection (OnClientConnect's nil case) and otherwise does
// nothing, matching spec.md's "default implementation is a no-op".
//
// Grounded on the teacher's rpc.Dispatcher (OnConnect, OnCreateStream, ...)
// generalized from RTMP command callbacks to connection lifecycle events.
type Handlers[T netline.MessageID] struct {
	// OnClientConnect is offered every newly accepted Connection before it
	// joins the active set. Returning false drops it and closes the socket.
	// A nil field refuses every connection.
	OnClientConnect func(c *conn.Connection[T]) bool

	// OnClientDisconnect is called when MessageClient or MessageAllClients
	// discovers a Connection is no longer connected, immediately before it
	// is pruned from the active set.
	OnClientDisconnect func(c *conn.Connection[T])

	// OnMessage is invoked by Update for every message drained from the
	// inbox, in FIFO order.
	OnMessage func(owned netline.OwnedMessage[T])

	// OnClientValidated is invoked from the connection's own reactor
	// goroutine the instant its handshake completes — before OnMessage can
	// ever see a message from it.
	OnClientValidated func(c *conn.Connection[T])
}

func (h Handlers[T]) accept(c *conn.Connection[T]) bool {
	if h.OnClientConnect == nil {
		return false
	}
	return h.OnClientConnect(c)
}

func (h Handlers[T]) disconnect(c *conn.Connection[T]) {
	if h.OnClientDisconnect != nil {
		h.OnClientDisconnect(c)
	}
}

func (h Handlers[T]) message(owned netline.OwnedMessage[T]) {
	if h.OnMessage != nil {
		h.OnMessage(owned)
	}
}

func (h Handlers[T]) validated(c *conn.Connection[T]) {
	if h.OnClientValidated != nil {
		h.OnClientValidated(c)
	}
}

// Config holds the server's configuration knobs.
type Config struct {
	ListenAddr string
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
}

// Server is the server endpoint of spec.md §4.4: an acceptor, the shared
// inbox, and the ordered set of active connections.
type Server[T netline.MessageID] struct {
	cfg      Config
	handlers Handlers[T]
	inbox    *netline.Queue[netline.OwnedMessage[T]]
	log      *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	nextID  uint32
	active  []*conn.Connection[T]
	closing bool

	group *errgroup.Group
}

// New constructs an unstarted Server. The connection ID counter starts at
// firstClientID, per spec.md §4.4.
func New[T netline.MessageID](cfg Config, handlers Handlers[T]) *Server[T] {
	cfg.applyDefaults()
	return &Server[T]{
		cfg:      cfg,
		handlers: handlers,
		inbox:    netline.NewQueue[netline.OwnedMessage[T]](),
		log:      logger.Logger().With("component", "netserver"),
		nextID:   firstClientID,
	}
}

// Start binds the listener and launches the accept loop on its own
// goroutine. Fails with KindBind if the listener could not be constructed.
func (s *Server[T]) Start() error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return xerrors.New(xerrors.KindBind, "server.start", fmt.Errorf("server already started"))
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return xerrors.New(xerrors.KindBind, "server.start", err)
	}
	s.ln = ln
	s.group = &errgroup.Group{}
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())
	s.group.Go(func() error {
		s.acceptLoop()
		return nil
	})
	return nil
}

// acceptLoop schedules one accept after another for as long as the
// listener is open, per spec.md §4.4's "the server never gives up
// listening" — an accept error simply tries again.
func (s *Server[T]) acceptLoop() {
	for {
		s.mu.Lock()
		ln := s.ln
		closing := s.closing
		s.mu.Unlock()
		if ln == nil || closing {
			return
		}

		raw, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.handleAccepted(raw)
	}
}

func (s *Server[T]) handleAccepted(raw net.Conn) {
	c := conn.New[T](conn.RoleServer, raw, s.inbox)
	if !s.handlers.accept(c) {
		c.Disconnect()
		s.log.Info("connection refused by application", "remote", raw.RemoteAddr().String())
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.active = append(s.active, c)
	s.mu.Unlock()

	s.log.Info("connection accepted", "conn_id", id, "remote", raw.RemoteAddr().String())
	c.ConnectToClient(id, s.handlers.validated)
}

// MessageClient forwards msg to c if it reports connected; otherwise c is
// reported via OnClientDisconnect and pruned from the active set. This is
// the library's only reaping path for a given Connection outside
// MessageAllClients — dead connections are discovered lazily, at send
// time, per spec.md §4.4.
func (s *Server[T]) MessageClient(c *conn.Connection[T], msg netline.Message[T]) {
	if c.IsConnected() {
		c.Send(msg)
		return
	}
	s.handlers.disconnect(c)
	s.remove(c)
}

// MessageAllClients sends msg to every connected Connection in the active
// set except ignore (pass nil to address everyone). Any Connection found
// disconnected is reported via OnClientDisconnect and pruned in the same
// pass.
func (s *Server[T]) MessageAllClients(msg netline.Message[T], ignore *conn.Connection[T]) {
	s.mu.Lock()
	snapshot := append([]*conn.Connection[T](nil), s.active...)
	s.mu.Unlock()

	var dead []*conn.Connection[T]
	for _, c := range snapshot {
		if c == ignore {
			continue
		}
		if !c.IsConnected() {
			dead = append(dead, c)
			continue
		}
		c.Send(msg)
	}
	for _, c := range dead {
		s.handlers.disconnect(c)
		s.remove(c)
	}
}

func (s *Server[T]) remove(target *conn.Connection[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.active {
		if c == target {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

// Update drains up to max entries from the inbox, dispatching each to
// OnMessage in FIFO order. If wait is true and the inbox is currently
// empty, Update blocks on it until a message arrives or ctx is cancelled.
func (s *Server[T]) Update(ctx context.Context, max int, wait bool) error {
	if wait && s.inbox.Empty() {
		if err := s.inbox.Wait(ctx); err != nil {
			return err
		}
	}
	for i := 0; i < max; i++ {
		owned, err := s.inbox.PopFront()
		if err != nil {
			return nil
		}
		s.handlers.message(owned)
	}
	return nil
}

// ActiveCount returns the number of connections currently in the active
// set, for diagnostics and tests.
func (s *Server[T]) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Addr returns the bound listener address, or nil before Start succeeds.
func (s *Server[T]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop stops the reactor: it stops accepting, disconnects every active
// connection, and joins the accept-loop goroutine plus every connection's
// reactor goroutine before returning — the errgroup.Group started in Start
// ends up tracking all of them, so group.Wait() only returns once nothing
// Start or the active set spawned is still running.
func (s *Server[T]) Stop() error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.ln
	s.ln = nil
	active := append([]*conn.Connection[T](nil), s.active...)
	s.active = nil
	group := s.group
	s.mu.Unlock()

	_ = ln.Close()
	for _, c := range active {
		c := c
		if group != nil {
			group.Go(func() error {
				c.Disconnect()
				return nil
			})
		} else {
			c.Disconnect()
		}
	}
	if group != nil {
		_ = group.Wait()
	}
	s.log.Info("stopped")
	return nil
}
