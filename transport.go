package amqp

import (
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// dialer opens the underlying byte stream for a scheme. It is the seam
// between the AMQP wire protocol and whatever carries it: raw TCP, TLS, or a
// WebSocket tunnel.
type dialer func(addr *url.URL, tlsConfig *tls.Config) (net.Conn, error)

// transportRegistry maps a URL scheme to the dialer that opens it.
var transportRegistry = map[string]dialer{
	"amqp":  dialTCP,
	"amqps": dialTLS,
	"wss":   dialWebSocket,
}

func defaultPortFor(scheme string) string {
	switch scheme {
	case "amqps", "wss":
		return "5671"
	default:
		return "5672"
	}
}

func dialTCP(addr *url.URL, _ *tls.Config) (net.Conn, error) {
	host := hostPort(addr, "amqp")
	return net.DialTimeout("tcp", host, 30*time.Second)
}

func dialTLS(addr *url.URL, tlsConfig *tls.Config) (net.Conn, error) {
	host := hostPort(addr, "amqps")
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: addr.Hostname()}
	} else if tlsConfig.ServerName == "" {
		cfg := tlsConfig.Clone()
		cfg.ServerName = addr.Hostname()
		tlsConfig = cfg
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	return tls.DialWithDialer(dialer, "tcp", host, tlsConfig)
}

// wsConn adapts a *websocket.Conn to net.Conn by treating the connection as
// a stream of binary messages, buffering partial reads across message
// boundaries the way a TCP socket would.
type wsConn struct {
	*websocket.Conn
	reader io.Reader
}

func dialWebSocket(addr *url.URL, tlsConfig *tls.Config) (net.Conn, error) {
	d := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		Subprotocols:     []string{"amqp"},
		HandshakeTimeout: 30 * time.Second,
	}
	wsURL := *addr
	if wsURL.Port() == "" {
		wsURL.Host = net.JoinHostPort(wsURL.Hostname(), defaultPortFor("wss"))
	}
	c, _, err := d.Dial(wsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: c}, nil
}

func (w *wsConn) Read(p []byte) (int, error) {
	for w.reader == nil {
		_, r, err := w.Conn.NextReader()
		if err != nil {
			return 0, err
		}
		w.reader = r
	}
	n, err := w.reader.Read(p)
	if err == io.EOF {
		w.reader = nil
		err = nil
	}
	return n, err
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.Conn.SetWriteDeadline(t)
}

func hostPort(addr *url.URL, scheme string) string {
	host := addr.Hostname()
	port := addr.Port()
	if port == "" {
		port = defaultPortFor(scheme)
	}
	return net.JoinHostPort(host, port)
}
