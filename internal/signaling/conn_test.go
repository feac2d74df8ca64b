package signaling

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"support-platform/internal/arbitration"
	"support-platform/internal/calls"
	"support-platform/internal/protocol"
)

func testConn(buffer int) *Conn {
	return newConn("c1", "agent", "agent-a", nil, buffer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConn_DisposersRunOnceInReverse(t *testing.T) {
	c := testConn(1)
	var order []string
	if !c.onClose("presence", func() { order = append(order, "presence") }) {
		t.Fatalf("first registration should succeed")
	}
	if c.onClose("presence", func() { order = append(order, "dup") }) {
		t.Fatalf("duplicate key should be ignored")
	}
	c.onClose("scope", func() { order = append(order, "scope") })

	c.dispose()
	c.dispose()
	if len(order) != 2 || order[0] != "scope" || order[1] != "presence" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestConn_ReleaseRunsEarly(t *testing.T) {
	c := testConn(1)
	runs := 0
	c.onClose("presence", func() { runs++ })
	if !c.release("presence") {
		t.Fatalf("release should find the disposer")
	}
	if c.release("presence") {
		t.Fatalf("second release should be a no-op")
	}
	c.dispose()
	if runs != 1 {
		t.Fatalf("disposer ran %d times", runs)
	}
}

func TestConn_SlowConsumerIsClosed(t *testing.T) {
	c := testConn(1)
	if err := c.enqueue(protocol.Message{Type: protocol.TypeAck}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := c.enqueue(protocol.Message{Type: protocol.TypeAck}); err != ErrSlowConsumer {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
	if !c.closed() {
		t.Fatalf("slow connection should be closed")
	}
	if err := c.enqueue(protocol.Message{Type: protocol.TypeAck}); err != ErrConnClosed {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

func TestConn_ScopesSnapshot(t *testing.T) {
	c := testConn(1)
	c.join("s1", protocol.RoleAgent)
	c.markRequested("s2")
	c.markRequested("s1")
	joined, requested := c.scopes()
	if joined["s1"] != protocol.RoleAgent || len(requested) != 2 || requested[0] != "s1" {
		t.Fatalf("unexpected scopes %v %v", joined, requested)
	}
	c.forget("s1")
	joined, requested = c.scopes()
	if len(joined) != 0 || len(requested) != 1 {
		t.Fatalf("forget should drop both scopes, got %v %v", joined, requested)
	}
}

func TestCodeFor(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("x: %w", calls.ErrNotFound):          protocol.CodeNotFound,
		fmt.Errorf("x: %w", calls.ErrIllegalTransition): protocol.CodeIllegalTransition,
		calls.ErrAlreadyTaken:                           protocol.CodeAlreadyTaken,
		calls.ErrInvalidState:                           protocol.CodeInvalidState,
		calls.ErrPeerUnavailable:                        protocol.CodePeerUnavailable,
		arbitration.ErrTooManyCalls:                     protocol.CodeInvalidRequest,
		errForbidden:                                    protocol.CodeForbidden,
		io.EOF:                                          protocol.CodeInternal,
	}
	for err, want := range cases {
		if got := codeFor(err); got != want {
			t.Errorf("codeFor(%v) = %s, want %s", err, got, want)
		}
	}
}
