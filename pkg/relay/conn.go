package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsConn serializes writes on a websocket connection. Reads stay on a
// single goroutine per connection.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{Conn: conn}
}

func (c *wsConn) WriteFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(f)
}

func (c *wsConn) ReadFrame(timeout time.Duration) (Frame, error) {
	var f Frame
	c.Conn.SetReadDeadline(time.Now().Add(timeout))
	err := c.Conn.ReadJSON(&f)
	return f, err
}
