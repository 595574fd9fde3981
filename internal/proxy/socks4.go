package proxy

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

// SOCKS4/4a constants.
const (
	socks4Version = 0x04
	socks4CmdConnect = 0x01

	socks4GrantedReply = 0x5A
)

// socks4aSentinel is the target-host sentinel IP (0.0.0.1) that signals a
// SOCKS4a request: the real target is a domain name appended after the
// null-terminated userId field, per spec §4.1.
var socks4aSentinel = [4]byte{0, 0, 0, 1}

// socks4Connect implements SOCKS4/4a CONNECT. If targetHost is an IPv4
// literal its octets are used directly (plain SOCKS4); otherwise the
// SOCKS4a sentinel is sent, followed by "userId\x00" then "domain\x00".
func socks4Connect(ctx context.Context, conn net.Conn, cfg *Config, targetHost string, targetPort int) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(SOCKSHandshake)
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	req := []byte{socks4Version, socks4CmdConnect}
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(targetPort))
	req = append(req, portBytes...)

	userID := cfg.Username // conventionally empty unless the proxy requires it

	if ip := net.ParseIP(targetHost); ip != nil && ip.To4() != nil {
		req = append(req, ip.To4()...)
		req = append(req, []byte(userID)...)
		req = append(req, 0x00)
	} else {
		req = append(req, socks4aSentinel[:]...)
		req = append(req, []byte(userID)...)
		req = append(req, 0x00)
		req = append(req, []byte(targetHost)...)
		req = append(req, 0x00)
	}

	if _, err := conn.Write(req); err != nil {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "write SOCKS4 CONNECT request", ctxFor(cfg), err)
	}

	reply := make([]byte, 8)
	if _, err := readFull(conn, reply); err != nil {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "read SOCKS4 reply", ctxFor(cfg), err)
	}
	if reply[1] != socks4GrantedReply {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, socks4ReplyMessage(reply[1]), ctxFor(cfg), nil)
	}
	return conn, nil
}

func socks4ReplyMessage(code byte) string {
	switch code {
	case 0x5B:
		return "SOCKS4 request rejected or failed"
	case 0x5C:
		return "SOCKS4 request failed: client not running identd"
	case 0x5D:
		return "SOCKS4 request failed: identd could not confirm user"
	default:
		return "SOCKS4 request failed"
	}
}
