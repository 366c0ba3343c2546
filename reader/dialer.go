package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"seqfeed/config"
)

// ErrConnectionFailure wraps any failure to open or use a feed connection.
var ErrConnectionFailure = errors.New("connection failure")

// Dialer opens a fresh bidirectional byte stream to the feed.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
	// Endpoint names the remote side for logs.
	Endpoint() string
}

// NewDialer builds the dialer selected by source.transport.
func NewDialer(cfg config.SourceConfig) (Dialer, error) {
	switch cfg.Transport {
	case "tcp", "":
		return &TCPDialer{Address: cfg.Address, Timeout: cfg.DialTimeout}, nil
	case "ws":
		return &WSDialer{URL: cfg.URL, Timeout: cfg.DialTimeout}, nil
	default:
		return nil, fmt.Errorf("unknown transport '%s'", cfg.Transport)
	}
}

// TCPDialer connects over plain TCP.
type TCPDialer struct {
	Address string
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailure, d.Address, err)
	}
	return conn, nil
}

func (d *TCPDialer) Endpoint() string { return d.Address }

// WSDialer connects over WebSocket. Binary messages in both directions carry
// the raw feed bytes; message boundaries are not significant.
type WSDialer struct {
	URL     string
	Timeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.Timeout}
	ws, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailure, d.URL, err)
	}
	return NewWSConn(ws), nil
}

func (d *WSDialer) Endpoint() string { return d.URL }

// wsConn exposes a websocket connection as a byte stream.
type wsConn struct {
	ws      *websocket.Conn
	r       io.Reader
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewWSConn adapts ws to net.Conn. A normal close from the peer reads as
// io.EOF.
func NewWSConn(ws *websocket.Conn) net.Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.r == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
