package transport

import (
	"context"
	"sync"

	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// FakeConn is an in-memory Conn for tests: the test feeds inbound
// messages and inspects everything sent.
type FakeConn struct {
	In chan Inbound

	mu        sync.Mutex
	sent      []Outbound
	closed    bool
	closeCode int
	done      chan struct{}
	kind      session.TransportKind
}

func NewFakeConn(kind session.TransportKind) *FakeConn {
	return &FakeConn{
		In:   make(chan Inbound, 64),
		done: make(chan struct{}),
		kind: kind,
	}
}

func (f *FakeConn) Receive(ctx context.Context) (Inbound, error) {
	select {
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	case <-f.done:
		return Inbound{}, ErrClosed
	case msg, ok := <-f.In:
		if !ok {
			return Inbound{}, ErrClosed
		}
		return msg, nil
	}
}

func (f *FakeConn) Send(ctx context.Context, msg Outbound) error {
	select {
	case <-f.done:
		return ErrClosed
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *FakeConn) Close(code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		close(f.done)
	}
	return nil
}

func (f *FakeConn) Kind() session.TransportKind { return f.kind }

// Sent returns a copy of every outbound message so far.
func (f *FakeConn) Sent() []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outbound, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentOf filters Sent by kind.
func (f *FakeConn) SentOf(kind OutboundKind) []Outbound {
	var out []Outbound
	for _, m := range f.Sent() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Closed reports the close state and code.
func (f *FakeConn) Closed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}
