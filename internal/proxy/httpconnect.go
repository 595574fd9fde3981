package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

// httpConnect performs an RFC 7231 HTTP CONNECT tunnel handshake, with Basic
// proxy auth per RFC 7617 when credentials are present. Any bytes read ahead
// past the header block's trailing "\r\n\r\n" (because they arrived in the
// same TCP segment) are pushed back onto the returned connection so the SSH
// handshake that follows still sees them (spec §4.1, §9).
func httpConnect(ctx context.Context, conn net.Conn, cfg *Config, targetHost string, targetPort int) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(HTTPHandshake)
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))

	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&req, "Host: %s\r\n", target)
	req.WriteString("Proxy-Connection: Keep-Alive\r\n")
	req.WriteString("Connection: Keep-Alive\r\n")
	if cfg.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "write CONNECT request", ctxFor(cfg), err)
	}

	// br buffers ahead of the response headers; whatever's left in its buffer
	// once http.ReadResponse returns is the read-ahead put-back the SSH
	// handshake needs to see (spec §4.1).
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "parse CONNECT response", ctxFor(cfg), err)
	}
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// success; fall through to pushback below
	case http.StatusProxyAuthRequired:
		return nil, sshpoolerr.New(sshpoolerr.ProxyAuthRequired, "proxy authentication required", ctxFor(cfg), nil)
	default:
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, resp.Status, ctxFor(cfg), nil)
	}

	leftover := drainBuffered(br)
	return withPushback(conn, leftover), nil
}

// drainBuffered returns and clears whatever bytes are still sitting in br's
// internal buffer beyond the header block it already consumed.
func drainBuffered(br *bufio.Reader) []byte {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, _ = br.Read(buf)
	return buf
}

func ctxFor(cfg *Config) sshpoolerr.Context {
	return sshpoolerr.Context{UsingProxy: true, ProxyType: string(cfg.Type)}
}
