package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

// SOCKS5 constants per RFC 1928, RFC 1929.
const (
	socks5Version = 0x05

	socks5MethodNoAuth       = 0x00
	socks5MethodUserPass     = 0x02
	socks5MethodNoAcceptable = 0xFF

	socks5CmdConnect = 0x01

	socks5ATYPIPv4   = 0x01
	socks5ATYPDomain = 0x03
	socks5ATYPIPv6   = 0x04

	socks5AuthVersion = 0x01
	socks5AuthSuccess = 0x00
)

var socks5ReplyMessages = map[byte]string{
	0x01: "general SOCKS server failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

// socks5Connect implements RFC 1928 method negotiation + CONNECT, with RFC
// 1929 username/password subnegotiation when credentials are present.
func socks5Connect(ctx context.Context, conn net.Conn, cfg *Config, targetHost string, targetPort int) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(SOCKSHandshake)
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	// Method negotiation: offer {0x02,0x00} if username present else {0x00}.
	var methods []byte
	if cfg.Username != "" {
		methods = []byte{socks5MethodUserPass, socks5MethodNoAuth}
	} else {
		methods = []byte{socks5MethodNoAuth}
	}
	greeting := append([]byte{socks5Version, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "write method negotiation", ctxFor(cfg), err)
	}

	reply := make([]byte, 2)
	if _, err := readFull(conn, reply); err != nil {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "read method selection", ctxFor(cfg), err)
	}
	if reply[0] != socks5Version {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "unexpected SOCKS version in reply", ctxFor(cfg), nil)
	}
	selected := reply[1]
	if selected == socks5MethodNoAcceptable {
		return nil, sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "no acceptable authentication method", ctxFor(cfg), nil)
	}

	if selected == socks5MethodUserPass {
		if err := socks5Authenticate(conn, cfg); err != nil {
			return nil, err
		}
	}

	if err := socks5SendConnect(conn, targetHost, targetPort, cfg); err != nil {
		return nil, err
	}

	if err := socks5ReadConnectReply(conn, cfg); err != nil {
		return nil, err
	}

	return conn, nil
}

func socks5Authenticate(conn net.Conn, cfg *Config) error {
	if len(cfg.Username) > 255 || len(cfg.Password) > 255 {
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "SOCKS5 username/password exceeds 255 bytes", ctxFor(cfg), nil)
	}
	req := []byte{socks5AuthVersion, byte(len(cfg.Username))}
	req = append(req, []byte(cfg.Username)...)
	req = append(req, byte(len(cfg.Password)))
	req = append(req, []byte(cfg.Password)...)
	if _, err := conn.Write(req); err != nil {
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "write auth subnegotiation", ctxFor(cfg), err)
	}

	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "read auth subnegotiation reply", ctxFor(cfg), err)
	}
	if resp[1] != socks5AuthSuccess {
		return sshpoolerr.New(sshpoolerr.ProxyAuthRequired, "proxy authentication required", ctxFor(cfg), nil)
	}
	return nil
}

// socks5SendConnect builds and writes the CONNECT request. ATYP is chosen by
// net.isIP-equivalent classification (govalidator.IsIPv4/IsIPv6), per spec
// §4.1; IPv6 addresses are packed to 16 bytes.
func socks5SendConnect(conn net.Conn, targetHost string, targetPort int, cfg *Config) error {
	var addrBytes []byte
	var atyp byte

	switch {
	case govalidator.IsIPv4(targetHost):
		atyp = socks5ATYPIPv4
		addrBytes = net.ParseIP(targetHost).To4()
	case govalidator.IsIPv6(targetHost):
		atyp = socks5ATYPIPv6
		addrBytes = net.ParseIP(targetHost).To16()
	default:
		if len(targetHost) > 255 {
			return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "SOCKS5 domain name exceeds 255 bytes", ctxFor(cfg), nil)
		}
		atyp = socks5ATYPDomain
		addrBytes = append([]byte{byte(len(targetHost))}, []byte(targetHost)...)
	}

	req := []byte{socks5Version, socks5CmdConnect, 0x00, atyp}
	req = append(req, addrBytes...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(targetPort))
	req = append(req, portBytes...)

	if _, err := conn.Write(req); err != nil {
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "write CONNECT request", ctxFor(cfg), err)
	}
	return nil
}

// socks5ReadConnectReply reads the CONNECT reply and consumes BND.ADDR/BND.PORT
// per ATYP, per spec §4.1. Any REP != 0x00 is failure.
func socks5ReadConnectReply(conn net.Conn, cfg *Config) error {
	head := make([]byte, 4)
	if _, err := readFull(conn, head); err != nil {
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "read CONNECT reply header", ctxFor(cfg), err)
	}
	if head[0] != socks5Version {
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "unexpected SOCKS version in CONNECT reply", ctxFor(cfg), nil)
	}
	rep := head[1]

	var addrLen int
	switch head[3] {
	case socks5ATYPIPv4:
		addrLen = 4
	case socks5ATYPIPv6:
		addrLen = 16
	case socks5ATYPDomain:
		lenByte := make([]byte, 1)
		if _, err := readFull(conn, lenByte); err != nil {
			return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "read CONNECT reply domain length", ctxFor(cfg), err)
		}
		addrLen = int(lenByte[0])
	default:
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "unsupported ATYP in CONNECT reply", ctxFor(cfg), nil)
	}

	// BND.ADDR + BND.PORT
	discard := make([]byte, addrLen+2)
	if _, err := readFull(conn, discard); err != nil {
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, "read CONNECT reply address", ctxFor(cfg), err)
	}

	if rep != 0x00 {
		msg, known := socks5ReplyMessages[rep]
		if !known {
			msg = fmt.Sprintf("unknown SOCKS5 reply code 0x%02x", rep)
		}
		return sshpoolerr.New(sshpoolerr.ProxyHandshakeFailed, msg, ctxFor(cfg), nil)
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
