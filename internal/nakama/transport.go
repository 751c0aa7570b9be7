package nakama

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/heroiclabs/nakama-common/runtime"

	"github.com/MJE43/ugc-runtime-go/internal/bridge"
)

// presenceTransport carries bridge frames for one presence. Inbound frames
// are pushed by MatchLoop; outbound frames go through the dispatcher to
// that presence only.
type presenceTransport struct {
	presence   runtime.Presence
	dispatcher runtime.MatchDispatcher

	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func newPresenceTransport(p runtime.Presence, d runtime.MatchDispatcher) *presenceTransport {
	return &presenceTransport{
		presence:   p,
		dispatcher: d,
		inbox:      make(chan []byte, inboxSize),
		done:       make(chan struct{}),
	}
}

// push queues a frame from the client. It reports false when the inbox is
// full or the transport is closed.
func (t *presenceTransport) push(frame []byte) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.inbox <- append([]byte(nil), frame...):
		return true
	default:
		return false
	}
}

func (t *presenceTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return bridge.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return t.dispatcher.BroadcastMessage(OpHostFrame, frame, []runtime.Presence{t.presence}, nil, true)
}

func (t *presenceTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbox:
		return frame, nil
	case <-t.done:
		return nil, bridge.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *presenceTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// logWriter feeds a standard logger into the Nakama runtime logger.
type logWriter struct {
	logger runtime.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Info("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func stdLogger(l runtime.Logger, prefix string) *log.Logger {
	return log.New(logWriter{logger: l}, prefix, 0)
}
