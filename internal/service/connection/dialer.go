package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the manager relies on.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a new duplex channel.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialOptions tunes the websocket dialer.
type DialOptions struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 0 disables read deadlines
	WriteTimeout     time.Duration
	Header           http.Header
}

// WebsocketDialer dials with gorilla/websocket and applies deadlines.
type WebsocketDialer struct {
	dialer  *websocket.Dialer
	options DialOptions
}

// NewWebsocketDialer creates a dialer; zero timeouts fall back to defaults.
func NewWebsocketDialer(options DialOptions) *WebsocketDialer {
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = 10 * time.Second
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 10 * time.Second
	}
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: options.HandshakeTimeout,
		},
		options: options,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, d.options.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	wc := &wsConn{conn: conn, readTimeout: d.options.ReadTimeout, writeTimeout: d.options.WriteTimeout}
	if wc.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(wc.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wc.readTimeout))
		})
	}
	return wc, nil
}

type wsConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err == nil && c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return messageType, data, err
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
