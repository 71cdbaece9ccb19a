package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// Socket is the websocket surface both the gorilla and fiber connections
// provide, so one adapter serves server and test sides.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// codec translates between raw websocket payloads and domain messages.
type codec interface {
	decode(raw []byte) (Inbound, bool, error)
	encode(msg Outbound) ([]byte, int, error)
	kind() session.TransportKind
}

const writeTimeout = 5 * time.Second

// wsConn is the shared adapter: a read pump enforcing the inactivity
// deadline and backlog bound, and a paced, mutex-guarded writer.
type wsConn struct {
	sock    Socket
	codec   codec
	limiter *rate.Limiter
	logger  *slog.Logger

	readCh  chan []byte
	readErr atomic.Value
	dropped atomic.Int64

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newWSConn(sock Socket, c codec, sessionID string) *wsConn {
	w := &wsConn{
		sock:  sock,
		codec: c,
		// Paced to the frame cadence with a small burst so the first
		// frames of a reply start without artificial delay.
		limiter: rate.NewLimiter(rate.Every(PaceInterval), 4),
		logger:  log.With("component", "transport", "dialect", string(c.kind()), "session_id", sessionID),
		readCh:  make(chan []byte, ReadBacklog),
		closed:  make(chan struct{}),
	}
	sock.SetReadLimit(MaxMessageBytes)
	go w.readLoop()
	return w
}

func (w *wsConn) readLoop() {
	defer close(w.readCh)
	for {
		_ = w.sock.SetReadDeadline(time.Now().Add(InactivityTimeout))
		_, raw, err := w.sock.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				w.logger.Info("closing idle connection")
				_ = w.Close(websocket.CloseNormalClosure)
			}
			w.readErr.Store(err)
			return
		}

		select {
		case w.readCh <- raw:
		default:
			// Backlog full: drop the oldest so fresh audio wins.
			select {
			case <-w.readCh:
				w.dropped.Add(1)
			default:
			}
			select {
			case w.readCh <- raw:
			default:
				w.dropped.Add(1)
			}
		}
	}
}

func (w *wsConn) Receive(ctx context.Context) (Inbound, error) {
	for {
		select {
		case <-ctx.Done():
			return Inbound{}, ctx.Err()
		case <-w.closed:
			return Inbound{}, ErrClosed
		case raw, ok := <-w.readCh:
			if !ok {
				return Inbound{}, ErrClosed
			}
			msg, deliver, err := w.codec.decode(raw)
			if err != nil {
				w.logger.Warn("undecodable message dropped", "error", err)
				continue
			}
			if !deliver {
				continue
			}
			return msg, nil
		}
	}
}

func (w *wsConn) Send(ctx context.Context, msg Outbound) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}

	raw, messageType, err := w.codec.encode(msg)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	if msg.Kind == OutboundAudio {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.sock.WriteMessage(messageType, raw); err != nil {
		return ErrClosed
	}
	return nil
}

func (w *wsConn) Close(code int) error {
	w.once.Do(func() {
		close(w.closed)
		deadline := time.Now().Add(writeTimeout)
		_ = w.sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), deadline)
		_ = w.sock.Close()
	})
	return nil
}

func (w *wsConn) Kind() session.TransportKind { return w.codec.kind() }

// Dropped reports inbound messages lost to backlog overflow.
func (w *wsConn) Dropped() int64 { return w.dropped.Load() }
