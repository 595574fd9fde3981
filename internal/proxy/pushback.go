package proxy

import "net"

// pushbackConn wraps a net.Conn so bytes read ahead during a handshake (e.g.
// the remainder of a TCP segment that arrived along with the CONNECT
// response headers) can be pushed back and re-delivered to the next reader —
// the SSH handshake that follows. Plain net.Conn has no unshift/put-back
// primitive, so this thin buffered wrapper supplies one (spec §4.1, §9).
type pushbackConn struct {
	net.Conn
	pending []byte
}

func (c *pushbackConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// withPushback returns conn, wrapped to re-deliver leftover if non-empty.
func withPushback(conn net.Conn, leftover []byte) net.Conn {
	if len(leftover) == 0 {
		return conn
	}
	return &pushbackConn{Conn: conn, pending: leftover}
}
