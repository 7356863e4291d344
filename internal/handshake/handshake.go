// Package handshake implements the one-word challenge/response exchanged by
// a Connection before either side may send a framed message. It is
// obfuscation, not authentication: it only proves the peer links the same
// scramble implementation, the same way the source it's ported from does.
//
// Mirrors the deadline/error-wrapping style of the teacher's RTMP
// handshake (internal/rtmp/handshake/server.go, client.go) but the wire
// exchange itself — one scrambled uint64 each way instead of RTMP's
// C0/C1/S0/S1/S2/C2 — comes straight from the source's net_connection.h.
package handshake

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/kestrelnet/netline/internal/xerrors"
)

const (
	xorMaskOne   uint64 = 0xDEADBEEFC0DECAFE
	nibbleMaskHi uint64 = 0x00F0F0F0F0F0F0F0
	nibbleMaskLo uint64 = 0x000F0F0F0F0F0F0F
	xorMaskTwo   uint64 = 0xC0DEFACE12345678
)

// Timeout bounds each blocking read/write during the handshake exchange.
// There is no overall handshake timeout at the library level beyond this;
// a peer that never writes its half of the exchange ties up one read for
// at most Timeout before the connection is closed as HandshakeFailed.
const Timeout = 5 * time.Second

// Scramble is bit-exact with the source's scramble(): XOR with a first
// constant, swap the low/high nibble of each byte except the top byte
// (which the masks clear to zero), then XOR with a second constant, so the
// result's top byte is always the second constant's top byte, 0xC0. Both peers must compute the identical function for a handshake
// to validate; this implementation must never change without breaking wire
// compatibility with itself.
func Scramble(x uint64) uint64 {
	y := x ^ xorMaskOne
	y = (y&nibbleMaskHi)>>4 | (y&nibbleMaskLo)<<4
	return y ^ xorMaskTwo
}

// Challenge returns a value the peer cannot predictably precompute. The
// source uses a wall-clock nanosecond count; this keeps that choice since
// the spec only requires unpredictability, not cryptographic strength.
func Challenge() uint64 {
	return uint64(time.Now().UnixNano())
}

// WriteWord writes one 64-bit word with a bounded deadline.
func WriteWord(conn net.Conn, word uint64) error {
	if err := conn.SetWriteDeadline(time.Now().Add(Timeout)); err != nil {
		return xerrors.New(xerrors.KindHandshakeFailed, "handshake.write", err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	if _, err := conn.Write(buf[:]); err != nil {
		return xerrors.New(xerrors.KindHandshakeFailed, "handshake.write", err)
	}
	return nil
}

// ReadWord reads one 64-bit word with a bounded deadline.
func ReadWord(conn net.Conn) (uint64, error) {
	if err := conn.SetReadDeadline(time.Now().Add(Timeout)); err != nil {
		return 0, xerrors.New(xerrors.KindHandshakeFailed, "handshake.read", err)
	}
	var buf [8]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, xerrors.New(xerrors.KindHandshakeFailed, "handshake.read", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ClearDeadlines removes any read/write deadline left over from the
// handshake phase so the post-handshake frame read/write loops are not
// subject to a stale timeout, matching the teacher's handshake
// integration (T016) which explicitly clears deadlines after success.
func ClearDeadlines(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
}
