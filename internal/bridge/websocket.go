package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = 1 << 20
)

// Upgrader upgrades view connections on the host's HTTP server. Origin checks
// are left to the caller's middleware.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type received struct {
	frame []byte
	err   error
}

// WebSocketTransport carries frames as websocket text messages.
type WebSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	frames  chan received
	done    chan struct{}
	once    sync.Once
}

// NewWebSocketTransport wraps an established connection and starts reading.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(wsMaxFrameSize)
	t := &WebSocketTransport{
		conn:   conn,
		frames: make(chan received, pipeBuffer),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// DialWebSocket connects to a host endpoint as a view.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bridge: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("bridge: dial %s: %w", url, err)
	}
	return NewWebSocketTransport(conn), nil
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.frames)
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case t.frames <- received{err: err}:
			case <-t.done:
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case t.frames <- received{frame: data}:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case r, ok := <-t.frames:
		if !ok {
			return nil, ErrClosed
		}
		if r.err != nil {
			if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		return r.frame, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and tears the connection down.
func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
