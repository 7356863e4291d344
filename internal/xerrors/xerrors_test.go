package xerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKindClassification(t *testing.T) {
	root := errors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	hs := New(KindHandshakeFailed, "server.validate", wrapped)
	if !IsKind(hs, KindHandshakeFailed) {
		t.Fatalf("expected KindHandshakeFailed classification")
	}
	if !errors.Is(hs, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var e *Error
	if !errors.As(hs, &e) {
		t.Fatalf("expected errors.As to *Error")
	}
	if e.Op != "server.validate" {
		t.Fatalf("unexpected op: %s", e.Op)
	}
}

func TestIsKindMismatch(t *testing.T) {
	err := New(KindEmpty, "queue.pop_front", nil)
	if IsKind(err, KindUnderflow) {
		t.Fatalf("expected KindEmpty not to classify as KindUnderflow")
	}
	if !IsKind(err, KindEmpty) {
		t.Fatalf("expected KindEmpty classification")
	}
}

func TestNilSafety(t *testing.T) {
	if IsKind(nil, KindBind) {
		t.Fatalf("nil should never classify")
	}
}

func TestErrorStringWithAndWithoutCause(t *testing.T) {
	withCause := New(KindIoError, "conn.read_header", errors.New("eof"))
	if got := withCause.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
	withoutCause := New(KindBind, "server.listen", nil)
	if got := withoutCause.Error(); got == "" {
		t.Fatalf("expected non-empty error string without cause")
	}
}

func TestKindStringCoversAllKinds(t *testing.T) {
	kinds := []Kind{KindBind, KindResolve, KindConnectFailed, KindHandshakeFailed, KindIoError, KindUnderflow, KindEmpty, KindEncoding}
	for _, k := range kinds {
		if k.String() == "unknown" {
			t.Fatalf("kind %d missing String() case", k)
		}
	}
}
