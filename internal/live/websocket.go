package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Driver updates carry device metadata, so allow more than a bare fix
	maxMessageSize = 64 * 1024
)

type WebSocketOptions struct {
	URL          string
	Token        string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Dialer       *websocket.Dialer
}

// WebSocketTransport keeps one client connection to the push server open,
// redialing with exponential backoff whenever it drops.
type WebSocketTransport struct {
	opts   WebSocketOptions
	header http.Header
	log    zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

func NewWebSocketTransport(opts WebSocketOptions, log zerolog.Logger) *WebSocketTransport {
	if opts.MinReconnect <= 0 {
		opts.MinReconnect = time.Second
	}
	if opts.MaxReconnect < opts.MinReconnect {
		opts.MaxReconnect = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	return &WebSocketTransport{
		opts:   opts,
		header: header,
		log:    log.With().Str("transport", "websocket").Logger(),
	}
}

func (w *WebSocketTransport) Start(ctx context.Context, deliver func(Envelope)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("websocket transport already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, deliver)
	return nil
}

func (w *WebSocketTransport) run(ctx context.Context, deliver func(Envelope)) {
	defer close(w.done)

	backoff := w.opts.MinReconnect
	for {
		conn, _, err := w.opts.Dialer.DialContext(ctx, w.opts.URL, w.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Dur("retry_in", backoff).Msg("dial failed")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, w.opts.MaxReconnect)
			continue
		}

		backoff = w.opts.MinReconnect
		w.setConn(conn)
		w.log.Info().Str("url", w.opts.URL).Msg("connected")
		deliver(Envelope{Type: string(EventConnected)})

		err = w.readLoop(ctx, conn, deliver)
		w.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		w.log.Warn().Err(err).Dur("retry_in", backoff).Msg("connection lost")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, w.opts.MaxReconnect)
	}
}

func (w *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn, deliver func(Envelope)) error {
	stop := make(chan struct{})
	defer close(stop)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				w.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// The server may batch queued envelopes into one frame, newline separated
		for _, part := range bytes.Split(message, []byte{'\n'}) {
			part = bytes.TrimSpace(part)
			if len(part) == 0 {
				continue
			}
			var env Envelope
			if err := json.Unmarshal(part, &env); err != nil {
				w.log.Warn().Err(err).Msg("invalid message format")
				continue
			}
			deliver(env)
		}
	}
}

func (w *WebSocketTransport) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

func (w *WebSocketTransport) Send(env Envelope) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (w *WebSocketTransport) Close() error {
	w.mu.Lock()
	cancel, done, conn := w.cancel, w.done, w.conn
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	if conn != nil {
		w.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
	}
	cancel()

	select {
	case <-done:
	case <-time.After(writeWait):
		return errors.New("websocket transport did not stop in time")
	}
	return nil
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// sleep waits d or until ctx ends; false means ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
