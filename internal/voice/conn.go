package voice

import (
	"sync"

	"github.com/gorilla/websocket"
)

// serverMessage is the JSON surface of the client protocol. Exactly one
// field is set per message; everything else on the wire is raw binary audio.
type serverMessage struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Conn abstracts the client connection so session logic can be tested
// against a fake.
type Conn interface {
	// ReadMessage returns the next client message (binary audio frames).
	ReadMessage() (messageType int, data []byte, err error)

	// WriteJSON sends one JSON text message.
	WriteJSON(v interface{}) error

	// WriteBinary sends one binary audio message.
	WriteBinary(data []byte) error

	// Close closes the connection.
	Close() error
}

// wsConn wraps a gorilla connection with a write mutex: the session's reply
// task, chunk pipeline and keep-alive loop all write, and gorilla allows
// one concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadMessage() (int, []byte, error) {
	return w.conn.ReadMessage()
}

func (w *wsConn) WriteJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) WriteBinary(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
