// Package netclient implements the client endpoint described in spec.md
// §4.5: one Connection in the client role, the shared inbox the
// application drains, and Connect/Disconnect/Send.
//
// Grounded on the teacher's internal/rtmp/client.Client: the dial-with-
// timeout step (DialTimeout constant, net.Dialer), construction before any
// protocol exchange happens, and Connect/Disconnect as the client's only
// public lifecycle operations.
package netclient

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kestrelnet/netline"
	"github.com/kestrelnet/netline/conn"
	"github.com/kestrelnet/netline/internal/logger"
	"github.com/kestrelnet/netline/internal/xerrors"
)

var errAlreadyConnected = errors.New("client already connected")

// DialTimeout bounds the TCP dial Connect performs before handing the
// socket to a Connection.
const DialTimeout = 5 * time.Second

// Config holds the client's configuration knobs.
type Config struct {
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DialTimeout
	}
}

// Client is the client endpoint of spec.md §4.5: at most one Connection,
// the inbox it publishes to, and the reactor that Connection owns.
type Client[T netline.MessageID] struct {
	cfg   Config
	inbox *netline.Queue[netline.OwnedMessage[T]]
	log   *slog.Logger

	mu sync.Mutex
	c  *conn.Connection[T]
}

// New constructs an unconnected Client.
func New[T netline.MessageID](cfg Config) *Client[T] {
	cfg.applyDefaults()
	return &Client[T]{
		cfg:   cfg,
		inbox: netline.NewQueue[netline.OwnedMessage[T]](),
		log:   logger.Logger().With("component", "netclient"),
	}
}

// Connect resolves and dials addr, then starts the client half of the
// handshake over the new socket. Unlike the source's asio::async_connect,
// net.Dialer.Dial blocks the calling goroutine until the socket is
// connected or the dial fails — there is no separate resolve step to
// schedule, so this single call covers what spec.md's
// "Connect(host, port)" describes as resolve-then-ConnectToServer.
func (cl *Client[T]) Connect(addr string) error {
	cl.mu.Lock()
	if cl.c != nil {
		cl.mu.Unlock()
		return xerrors.New(xerrors.KindConnectFailed, "client.connect", errAlreadyConnected)
	}
	cl.mu.Unlock()

	d := net.Dialer{Timeout: cl.cfg.DialTimeout}
	raw, err := d.Dial("tcp", addr)
	if err != nil {
		return xerrors.New(xerrors.KindConnectFailed, "client.connect", err)
	}

	c := conn.New[T](conn.RoleClient, raw, cl.inbox)
	cl.mu.Lock()
	cl.c = c
	cl.mu.Unlock()

	cl.log.Info("dialed", "addr", addr)
	c.ConnectToServer()
	return nil
}

// Disconnect stops the reactor and joins its goroutine before returning, per
// spec.md §4.5. Safe to call on an unconnected or already-disconnected
// Client, and safe to call more than once.
func (cl *Client[T]) Disconnect() {
	cl.mu.Lock()
	c := cl.c
	cl.c = nil
	cl.mu.Unlock()
	if c != nil {
		c.Disconnect()
	}
}

// Send forwards msg to the underlying Connection. It is a no-op if the
// Client was never connected or has since been disconnected.
func (cl *Client[T]) Send(msg netline.Message[T]) {
	cl.mu.Lock()
	c := cl.c
	cl.mu.Unlock()
	if c != nil {
		c.Send(msg)
	}
}

// Incoming returns the inbox the application drains for messages the
// server sends this client.
func (cl *Client[T]) Incoming() *netline.Queue[netline.OwnedMessage[T]] {
	return cl.inbox
}

// IsConnected is a hint, same caveat as Connection.IsConnected: it can go
// stale the instant after the call returns.
func (cl *Client[T]) IsConnected() bool {
	cl.mu.Lock()
	c := cl.c
	cl.mu.Unlock()
	return c != nil && c.IsConnected()
}
