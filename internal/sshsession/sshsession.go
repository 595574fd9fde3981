// Package sshsession implements C3: establishing an SSH transport over a
// direct TCP connection or a C1 tunnel socket, with keepalive, host-key
// verification, and password/key auth.
package sshsession

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/sshpool/internal/descriptor"
	"github.com/websoft9/sshpool/internal/hostcap"
	"github.com/websoft9/sshpool/internal/proxy"
	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

// Tunables per spec §4.3.
const (
	KeepaliveInterval = 15 * time.Second
	KeepaliveCountMax = 6
	ReadyTimeout      = 15 * time.Second
)

// curatedAlgorithms is the minimal, modern algorithm set negotiated by
// every Transport (spec §4.3, §6: "curated minimal algorithm list... must
// include modern defaults").
var curatedAlgorithms = cryptossh.Config{
	KeyExchanges: []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
		"diffie-hellman-group14-sha256",
	},
	Ciphers: []string{
		"chacha20-poly1305@openssh.com",
		"aes128-gcm@openssh.com", "aes256-gcm@openssh.com",
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
	},
	MACs: []string{
		"hmac-sha2-256-etm@openssh.com", "hmac-sha2-512-etm@openssh.com",
		"hmac-sha2-256", "hmac-sha2-512",
	},
}

// Transport wraps an established *cryptossh.Client. It is the unit the
// Connection Pool (C2) tracks and the Reconnection Manager (C4) swaps.
type Transport struct {
	Client     *cryptossh.Client
	UsingProxy bool

	closeOnce sync.OnceValue[error]
	closed    chan struct{}
}

// Close tears down the underlying SSH client. Idempotent.
func (t *Transport) Close() error {
	return t.closeOnce()
}

// Closed returns a channel closed when the transport has gone away —
// callers (C4) select on this to detect unexpected disconnects.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

// Open establishes a Transport for d: resolves the proxy via resolver (if
// any), dials (direct or tunneled), negotiates SSH, verifies the host key
// via caps, and authenticates. keyFileReader resolves PrivateKeyPath to
// bytes when the descriptor names a path instead of inline key material.
func Open(ctx context.Context, d *descriptor.Descriptor, resolver *proxy.Resolver, caps hostcap.Capabilities, keyFileReader func(path string) ([]byte, error)) (*Transport, error) {
	d.Normalize()
	ctxErr := sshpoolerr.Context{ConnectionKey: d.Key(), DescriptorRedacted: redact(d)}

	material := d
	if d.AuthType == descriptor.AuthPrivateKey && len(d.PrivateKey) == 0 && d.PrivateKeyPath != "" {
		if keyFileReader == nil {
			return nil, sshpoolerr.New(sshpoolerr.AuthenticationFailed, "private key path given but no reader configured", ctxErr, nil)
		}
		key, err := keyFileReader(d.PrivateKeyPath)
		if err != nil {
			return nil, sshpoolerr.New(sshpoolerr.AuthenticationFailed, fmt.Sprintf("read key file %q", d.PrivateKeyPath), ctxErr, err)
		}
		cp := *d
		cp.PrivateKey = key
		material = &cp
	}

	authMethod, err := authMethodFromDescriptor(material)
	if err != nil {
		return nil, sshpoolerr.New(sshpoolerr.AuthenticationFailed, "auth material", ctxErr, err)
	}

	conn, usingProxy, err := dial(ctx, d, resolver)
	if err != nil {
		return nil, mapDialError(err, ctxErr, usingProxyHint(d))
	}

	clientCfg := &cryptossh.ClientConfig{
		Config:          curatedAlgorithms,
		User:            d.Username,
		Auth:            []cryptossh.AuthMethod{authMethod},
		Timeout:         ReadyTimeout,
		HostKeyCallback: hostKeyCallback(ctx, d, caps),
	}
	if d.EnableCompression {
		clientCfg.Config.Ciphers = append([]string{"aes128-gcm@openssh.com"}, clientCfg.Config.Ciphers...)
	}

	sshConn, chans, reqs, err := cryptossh.NewClientConn(conn, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), clientCfg)
	if err != nil {
		conn.Close()
		return nil, mapAuthError(err, ctxErr)
	}
	client := cryptossh.NewClient(sshConn, chans, reqs)

	t := &Transport{Client: client, UsingProxy: usingProxy, closed: make(chan struct{})}
	t.closeOnce = sync.OnceValue(func() error {
		defer close(t.closed)
		return client.Close()
	})
	go t.keepaliveLoop()
	go func() {
		_ = client.Wait()
		select {
		case <-t.closed:
		default:
			t.Close()
		}
	}()

	return t, nil
}

func (t *Transport) keepaliveLoop() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			_, _, err := t.Client.SendRequest("keepalive@sshpool", true, nil)
			if err != nil {
				missed++
				if missed >= KeepaliveCountMax {
					t.Close()
					return
				}
				continue
			}
			missed = 0
		}
	}
}

func usingProxyHint(d *descriptor.Descriptor) bool {
	return d.Proxy != nil
}

func dial(ctx context.Context, d *descriptor.Descriptor, resolver *proxy.Resolver) (net.Conn, bool, error) {
	if resolver == nil {
		dialer := net.Dialer{Timeout: proxy.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
		return conn, false, err
	}
	return resolver.Dial(ctx, d)
}

func redact(d *descriptor.Descriptor) sshpoolerr.DescriptorRedacted {
	r := d.Redact()
	return sshpoolerr.DescriptorRedacted{
		HasPassword:   r.HasPassword,
		HasPrivateKey: r.HasPrivateKey,
		HasKeyPath:    r.HasKeyPath,
		KeyPath:       r.KeyPath,
	}
}

func authMethodFromDescriptor(d *descriptor.Descriptor) (cryptossh.AuthMethod, error) {
	switch d.AuthType {
	case descriptor.AuthPrivateKey:
		var signer cryptossh.Signer
		var err error
		if d.Passphrase != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase(d.PrivateKey, []byte(d.Passphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey(d.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return cryptossh.PublicKeys(signer), nil
	case descriptor.AuthPassword:
		return cryptossh.Password(d.Password), nil
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", d.AuthType)
	}
}

// hostKeyCallback bridges cryptossh's HostKeyCallback to the host's
// VerifyHostKey capability (spec §4.3). It never persists a trust
// decision itself — RememberAutoLogin is only a signal back to the host.
func hostKeyCallback(ctx context.Context, d *descriptor.Descriptor, caps hostcap.Capabilities) cryptossh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key cryptossh.PublicKey) error {
		if caps == nil {
			return nil
		}
		prompt := hostcap.HostKeyPrompt{
			Host:        d.Host,
			Port:        d.Port,
			Fingerprint: cryptossh.FingerprintSHA256(key),
		}
		decision, err := caps.VerifyHostKey(ctx, prompt)
		if err != nil {
			return err
		}
		if !decision.Accept {
			return sshpoolerr.New(sshpoolerr.HostKeyRejected, "host key rejected by trust callback",
				sshpoolerr.Context{ConnectionKey: d.Key()}, nil)
		}
		return nil
	}
}

// mapDialError implements the user-facing error mapping of spec §4.3 for
// failures before the SSH handshake begins.
func mapDialError(err error, ctxErr sshpoolerr.Context, usingProxy bool) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	suffix := ""
	if usingProxy {
		suffix = " (through proxy)"
	}
	switch {
	case strings.Contains(lower, "refused"):
		return sshpoolerr.New(sshpoolerr.TransportUnavailable, fmt.Sprintf("Connection refused: cannot reach %s%s", ctxErr.ConnectionKey, suffix), ctxErr, err)
	case strings.Contains(lower, "no such host") || strings.Contains(lower, "not found") || strings.Contains(lower, "getaddrinfo"):
		return sshpoolerr.New(sshpoolerr.TransportUnavailable, "Host does not exist", ctxErr, err)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return sshpoolerr.New(sshpoolerr.Timeout, "Connection timed out", ctxErr, err)
	case strings.Contains(lower, "reset") || strings.Contains(lower, "broken pipe"):
		return sshpoolerr.New(sshpoolerr.TransportUnavailable, "Connection reset", ctxErr, err)
	default:
		// proxy handshake and other classified errors already carry their Kind.
		if classified, ok := err.(*sshpoolerr.Error); ok {
			return classified
		}
		return sshpoolerr.New(sshpoolerr.TransportUnavailable, msg, ctxErr, err)
	}
}

// mapAuthError implements spec §4.3's auth-failure phrasing, appending the
// configured key path for diagnostics when no key material ended up loaded.
func mapAuthError(err error, ctxErr sshpoolerr.Context) error {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "unable to authenticate") || strings.Contains(lower, "authentication") {
		msg := "All configured authentication methods failed"
		if ctxErr.DescriptorRedacted.HasKeyPath && !ctxErr.DescriptorRedacted.HasPrivateKey {
			msg += fmt.Sprintf(" (key path: %s)", ctxErr.DescriptorRedacted.KeyPath)
		}
		return sshpoolerr.New(sshpoolerr.AuthenticationFailed, msg, ctxErr, err)
	}
	if strings.Contains(lower, "timeout") {
		return sshpoolerr.New(sshpoolerr.Timeout, "SSH handshake timed out", ctxErr, err)
	}
	return sshpoolerr.New(sshpoolerr.ProtocolError, "SSH handshake failed", ctxErr, err)
}
