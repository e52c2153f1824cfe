package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsFramer carries one JSON-RPC message per WebSocket text frame
type wsFramer struct {
	conn *websocket.Conn
	once sync.Once
}

func (f *wsFramer) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := f.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (f *wsFramer) WriteFrame(frame []byte) error {
	return f.conn.WriteMessage(websocket.TextMessage, frame)
}

func (f *wsFramer) Close() error {
	var err error
	f.once.Do(func() {
		// Send close message
		f.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = f.conn.Close()
	})
	return err
}

// NewWebSocketClient connects to a backend exposing the gateway protocol over WebSocket
func NewWebSocketClient(url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	logger.Info("connected to backend", "url", url)
	return newClient("ws:"+url, &wsFramer{conn: conn}, logger, nil), nil
}
