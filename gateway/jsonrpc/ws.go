package jsonrpc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	// wsMaxInflight caps concurrently processed messages per connection.
	wsMaxInflight = 16
)

// WebSocket returns a handler that serves JSON-RPC over a WebSocket
// connection. Each text message is one payload; replies may be written out of
// order.
func (s *Server) WebSocket(originPatterns []string) http.Handler {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			return
		}
		conn.SetReadLimit(s.maxBodyBytes)
		defer conn.Close(websocket.StatusNormalClosure, "")
		if err := s.serveConn(r.Context(), conn); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket closed", "error", err)
				_ = conn.Close(websocket.StatusInternalError, "connection error")
			}
		}
	})
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan []byte, wsMaxInflight)
	slots := make(chan struct{}, wsMaxInflight)
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case out := <-replies:
				writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
				err := conn.Write(writeCtx, websocket.MessageText, out)
				cancelWrite()
				if err != nil {
					writeErr <- err
					cancel()
					return
				}
			}
		}
	}()

	for {
		typ, payload, err := conn.Read(ctx)
		if err != nil {
			select {
			case werr := <-writeErr:
				return werr
			default:
				return err
			}
		}
		if typ != websocket.MessageText {
			return conn.Close(websocket.StatusUnsupportedData, "text frames only")
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		go func() {
			defer func() { <-slots }()
			out, ok := s.Process(ctx, payload)
			if !ok {
				return
			}
			select {
			case replies <- out:
			case <-ctx.Done():
			}
		}()
	}
}
