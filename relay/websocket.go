package relay

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket session to net.Conn so the handshake, parser
// and write path treat every transport alike. Protocol bytes travel as
// binary frames; frame boundaries are invisible to the byte stream.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (wsc *wsConn) Read(p []byte) (int, error) {
	for {
		if wsc.reader == nil {
			msgType, reader, err := wsc.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
				continue
			}
			wsc.reader = reader
		}
		n, err := wsc.reader.Read(p)
		if err == io.EOF {
			wsc.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (wsc *wsConn) Write(p []byte) (int, error) {
	if err := wsc.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (wsc *wsConn) Close() error {
	_ = wsc.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return wsc.ws.Close()
}

func (wsc *wsConn) LocalAddr() net.Addr  { return wsc.ws.LocalAddr() }
func (wsc *wsConn) RemoteAddr() net.Addr { return wsc.ws.RemoteAddr() }

func (wsc *wsConn) SetDeadline(t time.Time) error {
	if err := wsc.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return wsc.ws.SetWriteDeadline(t)
}

func (wsc *wsConn) SetReadDeadline(t time.Time) error {
	return wsc.ws.SetReadDeadline(t)
}

func (wsc *wsConn) SetWriteDeadline(t time.Time) error {
	return wsc.ws.SetWriteDeadline(t)
}

// wsDial connects a ws:// or wss:// pool entry. TLS for wss is negotiated
// here; the post-INFO TLS upgrade is skipped for websocket transports.
func (conn *Conn) wsDial(srv *server) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: conn.opts.Timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if srv.url.Scheme == "wss" {
		var cfg *tls.Config
		if conn.opts.TLSConfig != nil {
			cfg = conn.opts.TLSConfig.Clone()
		} else {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.ServerName == "" {
			if srv.tlsName != "" {
				cfg.ServerName = srv.tlsName
			} else {
				cfg.ServerName = srv.url.Hostname()
			}
		}
		dialer.TLSClientConfig = cfg
	}
	if conn.opts.Dialer != nil {
		dialer.NetDial = conn.opts.Dialer.Dial
	}

	ws, resp, err := dialer.Dial(srv.url.String(), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, NewError(ConnectionRefusedError, err)
	}
	return &wsConn{ws: ws}, nil
}
