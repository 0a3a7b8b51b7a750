package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to the message-oriented
// transport the handshake and record layer expect. Frames are binary; the
// write mutex serializes concurrent senders, which gorilla requires.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			// Control and text frames are not part of the protocol.
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (w *wsConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
