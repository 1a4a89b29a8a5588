package tunnel

import (
	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla websocket connection to the Conn interface.
// Frames travel as text messages; gorilla enforces the read limit at
// the transport level so oversized frames fail the read before they
// are buffered in full.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps ws and applies the frame size cap as the websocket
// read limit.
func NewWSConn(ws *websocket.Conn, maxFrameBytes int) *WSConn {
	if maxFrameBytes > 0 {
		ws.SetReadLimit(int64(maxFrameBytes))
	}
	return &WSConn{conn: ws}
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *WSConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Close() error {
	return c.conn.Close()
}
