package api

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn is the part of *websocket.Conn the adapter needs.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsAdapter turns a message-oriented websocket into the byte stream the
// duplex mux expects. Each Write is sent as one binary message.
type wsAdapter struct {
	Conn wsConn

	wmu     sync.Mutex
	readBuf []byte
}

func (a *wsAdapter) Read(p []byte) (int, error) {
	for len(a.readBuf) == 0 {
		_, msg, err := a.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		a.readBuf = msg
	}
	n := copy(p, a.readBuf)
	a.readBuf = a.readBuf[n:]
	return n, nil
}

func (a *wsAdapter) Write(p []byte) (int, error) {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if err := a.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *wsAdapter) Close() error {
	return a.Conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// WebSocketHandler upgrades each request and serves it as one RPC
// connection.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade", "remote", r.RemoteAddr, "err", err)
			return
		}
		if err := s.ServeConn(&wsAdapter{Conn: conn}); err != nil {
			s.log.Warn("websocket connection", "remote", r.RemoteAddr, "err", err)
		}
	})
}

// DialWebSocket connects to a WebSocketHandler at url, a ws:// or wss://
// address.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return Dial(&wsAdapter{Conn: conn})
}
