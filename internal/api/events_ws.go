package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"invoicewa/internal/session"
)

const (
	outboundBufferSize = 16
	writeWait          = 10 * time.Second
)

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamClient is one websocket subscriber with its own writer goroutine.
type streamClient struct {
	conn  *websocket.Conn
	send  chan session.StatusView
	close sync.Once
	done  chan struct{}
}

func newStreamClient(conn *websocket.Conn) *streamClient {
	return &streamClient{
		conn: conn,
		send: make(chan session.StatusView, outboundBufferSize),
		done: make(chan struct{}),
	}
}

// Queue drops the client rather than block the stream when it falls behind.
func (c *streamClient) Queue(v session.StatusView) bool {
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

func (c *streamClient) WriteLoop() {
	defer close(c.done)
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *streamClient) Close() {
	c.close.Do(func() {
		close(c.send)
		<-c.done
		_ = c.conn.Close()
	})
}

func (h *Handler) statusEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	updates, unsubscribe := h.deps.Control.Subscribe()
	defer unsubscribe()

	client := newStreamClient(conn)
	defer client.Close()
	go client.WriteLoop()

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-gone
	}()

	h.logger.Debug("status stream opened", zap.String("remote", r.RemoteAddr))
	if !client.Queue(h.deps.Status.Status()) {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-h.closing:
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if !client.Queue(session.NewStatusView(st)) {
				h.logger.Debug("status stream client too slow, dropping")
				return
			}
		}
	}
}
