package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kestrelnet/netline"
)

type testID uint32

const (
	idPing testID = iota
	idEcho
)

func newPair(t *testing.T) (server, client *Connection[testID], serverInbox, clientInbox *netline.Queue[netline.OwnedMessage[testID]]) {
	t.Helper()
	a, b := net.Pipe()
	serverInbox = netline.NewQueue[netline.OwnedMessage[testID]]()
	clientInbox = netline.NewQueue[netline.OwnedMessage[testID]]()
	server = New[testID](RoleServer, a, serverInbox)
	client = New[testID](RoleClient, b, clientInbox)
	t.Cleanup(func() {
		server.Disconnect()
		client.Disconnect()
	})
	return server, client, serverInbox, clientInbox
}

func waitEstablished(t *testing.T, c *Connection[testID]) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateEstablished {
			return
		}
		if c.State() == StateClosed {
			t.Fatalf("connection closed before reaching established state")
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for established state, got %v", c.State())
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	server, client, _, _ := newPair(t)

	validated := make(chan uint32, 1)
	server.ConnectToClient(7, func(c *Connection[testID]) {
		validated <- c.GetID()
	})
	client.ConnectToServer()

	select {
	case id := <-validated:
		if id != 7 {
			t.Fatalf("onValidated id = %d, want 7", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onValidated never called")
	}
	waitEstablished(t, client)
}

func TestMessageRoundTripEmptyBody(t *testing.T) {
	server, client, serverInbox, _ := newPair(t)
	server.ConnectToClient(1, nil)
	client.ConnectToServer()
	waitEstablished(t, server)
	waitEstablished(t, client)

	client.Send(netline.New(idPing))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := serverInbox.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	owned, err := serverInbox.PopFront()
	if err != nil {
		t.Fatalf("PopFront: %v", err)
	}
	if owned.Msg.Header.ID != idPing {
		t.Fatalf("ID = %v, want idPing", owned.Msg.Header.ID)
	}
	if len(owned.Msg.Body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(owned.Msg.Body))
	}
}

func TestMessageRoundTripWithBody(t *testing.T) {
	server, client, serverInbox, _ := newPair(t)
	server.ConnectToClient(1, nil)
	client.ConnectToServer()
	waitEstablished(t, server)
	waitEstablished(t, client)

	msg := netline.New(idEcho)
	if _, err := netline.Append(&msg, uint32(0xCAFEF00D)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	client.Send(msg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := serverInbox.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	owned, err := serverInbox.PopFront()
	if err != nil {
		t.Fatalf("PopFront: %v", err)
	}
	got, err := netline.Extract[testID, uint32](&owned.Msg)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != 0xCAFEF00D {
		t.Fatalf("Extract = %#x, want 0xCAFEF00D", got)
	}
}

func TestMessageOrderingIsPreserved(t *testing.T) {
	server, client, serverInbox, _ := newPair(t)
	server.ConnectToClient(1, nil)
	client.ConnectToServer()
	waitEstablished(t, server)
	waitEstablished(t, client)

	const n = 20
	for i := 0; i < n; i++ {
		msg := netline.New(idEcho)
		if _, err := netline.Append(&msg, uint32(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		client.Send(msg)
	}

	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := serverInbox.Wait(ctx); err != nil {
			cancel()
			t.Fatalf("Wait %d: %v", i, err)
		}
		cancel()
		owned, err := serverInbox.PopFront()
		if err != nil {
			t.Fatalf("PopFront %d: %v", i, err)
		}
		got, err := netline.Extract[testID, uint32](&owned.Msg)
		if err != nil {
			t.Fatalf("Extract %d: %v", i, err)
		}
		if got != uint32(i) {
			t.Fatalf("message %d arrived out of order: got %d", i, got)
		}
	}
}

func TestDisconnectClosesSocketAndIsIdempotent(t *testing.T) {
	server, client, _, _ := newPair(t)
	server.ConnectToClient(1, nil)
	client.ConnectToServer()
	waitEstablished(t, server)

	server.Disconnect()
	server.Disconnect() // must not panic or block

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && server.IsConnected() {
		time.Sleep(time.Millisecond)
	}
	if server.IsConnected() {
		t.Fatal("expected server to be disconnected")
	}
}

func TestHandshakeFailureOnScrambleMismatchClosesConnection(t *testing.T) {
	a, b := net.Pipe()
	inbox := netline.NewQueue[netline.OwnedMessage[testID]]()
	server := New[testID](RoleServer, a, inbox)
	t.Cleanup(server.Disconnect)

	server.ConnectToClient(1, func(*Connection[testID]) {
		t.Fatal("onValidated must not be called on a mismatched reply")
	})

	// Act as a hostile peer: read the challenge, reply with garbage instead
	// of its scrambled form.
	go func() {
		buf := make([]byte, 8)
		_, _ = b.Read(buf)
		garbage := make([]byte, 8)
		for i := range garbage {
			garbage[i] = 0xFF
		}
		_, _ = b.Write(garbage)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && server.State() != StateClosed {
		time.Sleep(time.Millisecond)
	}
	if server.State() != StateClosed {
		t.Fatalf("expected server to close on handshake mismatch, state = %v", server.State())
	}
}
