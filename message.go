package netline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/kestrelnet/netline/internal/xerrors"
)

// ByteOrder is the wire byte order for every Header and every Append/Extract
// payload, and for the frame headers the conn package serializes. The
// source this library is modeled on transmits headers in the host's native
// order and assumes both peers share one; this port picks an explicit order
// instead (little-endian) so two netline builds on different architectures
// interoperate, at the cost of no longer being wire-compatible with that
// source.
var ByteOrder = binary.LittleEndian

// Header is the fixed-size frame header: a MessageID discriminant followed
// by the body size in bytes.
type Header[T MessageID] struct {
	ID   T
	Size uint32
}

// Message is a header paired with its body. Header.Size must equal
// len(Body) whenever a Message is handed to a Connection or delivered
// through an inbox; Append and Extract maintain that invariant.
type Message[T MessageID] struct {
	Header Header[T]
	Body   []byte
}

// New returns an empty message with the given ID.
func New[T MessageID](id T) Message[T] {
	return Message[T]{Header: Header[T]{ID: id}}
}

// Remote is the capability an OwnedMessage's originating connection exposes
// back to application code, satisfied by *conn.Connection[T] without that
// package needing to be imported here.
type Remote[T MessageID] interface {
	Send(Message[T])
	Disconnect()
	IsConnected() bool
	GetID() uint32
}

// OwnedMessage pairs a received Message with the Connection it arrived on.
// Remote is nil for messages read from a Client's inbox, since a client has
// exactly one connection and nothing to disambiguate.
type OwnedMessage[T MessageID] struct {
	Remote Remote[T]
	Msg    Message[T]
}

// Append copies the raw bytes of a fixed-layout value onto the back of the
// message body and updates Header.Size, returning msg so calls can chain the
// way the source's operator<< does. V must have a size binary.Size can
// determine — no slices, strings, maps, or interfaces — which is the
// runtime stand-in for the source's compile-time is_standard_layout check;
// Go generics have no constraint that expresses "fixed memory layout", so
// the rejection happens on the first call instead of at build time.
func Append[T MessageID, V any](msg *Message[T], v V) (*Message[T], error) {
	size := binary.Size(v)
	if size <= 0 || reflect.TypeOf(v).Kind() == reflect.Slice {
		return msg, xerrors.New(xerrors.KindEncoding, "message.append", fmt.Errorf("%T is not a fixed-layout type", v))
	}
	var buf bytes.Buffer
	buf.Grow(size)
	if err := binary.Write(&buf, ByteOrder, v); err != nil {
		return msg, xerrors.New(xerrors.KindEncoding, "message.append", err)
	}
	msg.Body = append(msg.Body, buf.Bytes()...)
	msg.Header.Size = uint32(len(msg.Body))
	return msg, nil
}

// Extract copies the final sizeof(V) bytes of the message body into a V,
// shrinks the body by that many bytes, and updates Header.Size. Because
// Append always grows the body at the back, a sequence of Extract calls
// yields values in the reverse order they were Appended (LIFO).
func Extract[T MessageID, V any](msg *Message[T]) (V, error) {
	var v V
	size := binary.Size(v)
	if size <= 0 {
		return v, xerrors.New(xerrors.KindEncoding, "message.extract", fmt.Errorf("%T is not a fixed-layout type", v))
	}
	if len(msg.Body) < size {
		return v, xerrors.New(xerrors.KindUnderflow, "message.extract", fmt.Errorf("body has %d bytes, need %d", len(msg.Body), size))
	}
	i := len(msg.Body) - size
	if err := binary.Read(bytes.NewReader(msg.Body[i:]), ByteOrder, &v); err != nil {
		return v, xerrors.New(xerrors.KindEncoding, "message.extract", err)
	}
	msg.Body = msg.Body[:i]
	msg.Header.Size = uint32(len(msg.Body))
	return v, nil
}

// Size returns the total wire size of the message: the fixed header size
// plus the body length.
func (m Message[T]) Size() int {
	return binary.Size(m.Header) + len(m.Body)
}

func (m Message[T]) String() string {
	return fmt.Sprintf("ID: %v Size: %d", m.Header.ID, m.Header.Size)
}
