// Package netline provides the wire data model for a small client/server
// framework that exchanges typed, length-prefixed binary messages over TCP:
// a message header carrying an application-chosen discriminant, a
// variable-length body, an owned-message wrapper used by the server to
// pair a received message with its originating connection, and the
// blocking FIFO used to hand messages between the I/O reactor and the
// application thread.
//
// The protocol engine that frames these messages on the wire lives in the
// conn subpackage; the server and client endpoints live in netserver and
// netclient.
package netline

// MessageID is the constraint on the application-chosen message
// discriminant. The library never interprets values of this type — it only
// reads and writes them as part of a fixed-size Header.
type MessageID interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64
}
