package relay

import (
	"context"
	"sync"
	"time"

	"github.com/focuscircle/focussync/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBufSize    = 256
)

// client is one websocket connection. Lifecycle: start -> [readPump,
// writePump] -> close -> wait.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	logger *zap.Logger

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newClient(h *Hub, conn *websocket.Conn, userID string, logger *zap.Logger) *client {
	return &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufSize),
		logger: logger.With(zap.String("user_id", userID)),
		done:   make(chan struct{}),
	}
}

func (c *client) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

func (c *client) wait() {
	c.wg.Wait()
}

// close is safe to call more than once from any goroutine.
func (c *client) close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue hands a frame to the write pump. A client whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *client) enqueue(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		c.logger.Error("encode frame", zap.String("type", env.Type), zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping client")
		go c.close()
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		env, err := protocol.Parse(raw)
		if err != nil {
			c.enqueue(protocol.MustNew(protocol.TypeError, protocol.ServerError{Message: err.Error()}))
			continue
		}
		c.hub.handle(ctx, c, env)
	}
}

func (c *client) writePump(ctx context.Context) {
	defer c.wg.Done()
	defer c.close()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				return
			}
		}
	}
}
