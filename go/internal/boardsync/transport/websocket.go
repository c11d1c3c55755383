package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/caydenlund/codenames/go/internal/boardsync"
	"github.com/caydenlund/codenames/go/internal/models"
)

// WebSocketConfig holds configuration for push channel connections
type WebSocketConfig struct {
	// BaseURL is the server root, e.g. ws://localhost:8080. http(s) schemes
	// are converted to ws(s).
	BaseURL          string
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence between server frames. The server pings
	// periodically, so a healthy channel never hits it.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	Header          http.Header
}

// DefaultWebSocketConfig returns default push channel configuration
func DefaultWebSocketConfig(baseURL string) WebSocketConfig {
	return WebSocketConfig{
		BaseURL:          baseURL,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   64 * 1024,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
}

// WebSocketOpener opens push channels at <base>/ws/<mode>.
type WebSocketOpener struct {
	config WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketOpener creates an opener for cfg.
func NewWebSocketOpener(cfg WebSocketConfig) *WebSocketOpener {
	return &WebSocketOpener{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
	}
}

// ChannelURL returns the push channel URL for mode.
func (o *WebSocketOpener) ChannelURL(mode models.Mode) (string, error) {
	u, err := url.Parse(o.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + string(mode)
	return u.String(), nil
}

// Open dials the push channel and completes the handshake.
func (o *WebSocketOpener) Open(ctx context.Context, mode models.Mode) (boardsync.Channel, error) {
	wsURL, err := o.ChannelURL(mode)
	if err != nil {
		return nil, err
	}

	conn, resp, err := o.dialer.DialContext(ctx, wsURL, o.config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &wsChannel{conn: conn, config: o.config}
	conn.SetReadLimit(o.config.MaxMessageSize)
	c.extendDeadline()
	conn.SetPingHandler(func(appData string) error {
		c.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(o.config.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	log.Debug().Str("url", wsURL).Msg("WebSocket handshake complete")
	return c, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	config WebSocketConfig
	once   sync.Once
}

func (c *wsChannel) extendDeadline() {
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

// Receive returns the next text or binary frame.
func (c *wsChannel) Receive() ([]byte, error) {
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Debug().Err(err).Msg("unexpected WebSocket close")
		}
		return nil, err
	}
	c.extendDeadline()
	return message, nil
}

// Close sends a close frame and tears down the connection.
func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.config.WriteTimeout),
		)
		err = c.conn.Close()
	})
	return err
}
