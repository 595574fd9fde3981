// Package descriptor defines ConnectionDescriptor — the identity and auth
// material for an SSH target — and the ConnectionKey that the pool (internal/pool)
// uses as its primary index.
package descriptor

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// AuthType selects how a Descriptor authenticates.
type AuthType string

const (
	AuthPassword   AuthType = "password"
	AuthPrivateKey AuthType = "privateKey"
)

// ProxyType selects the tunnel protocol used ahead of the SSH handshake.
type ProxyType string

const (
	ProxyUseDefault ProxyType = "useDefault"
	ProxyHTTP       ProxyType = "http"
	ProxyHTTPS      ProxyType = "https"
	ProxySOCKS4     ProxyType = "socks4"
	ProxySOCKS5     ProxyType = "socks5"
)

// Proxy is the explicit proxy variant carried on a Descriptor.
type Proxy struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// Descriptor is identity and auth material for a target, per spec §3.
type Descriptor struct {
	Host     string
	Port     int // default 22
	Username string

	AuthType AuthType

	Password       string
	PrivateKey     []byte
	Passphrase     string
	PrivateKeyPath string // resolved by the SSH session layer at connect time

	EnableCompression bool

	Proxy *Proxy // nil means "no explicit proxy" (fall through to default/system resolution)

	// TabID is the external handle that owns this session. Two descriptors with
	// identical host/user/proxy but distinct TabID MUST produce distinct pooled
	// sessions (spec §3, §8 invariant 4).
	TabID string
}

// Normalize fills in defaults (port 22) and is idempotent.
func (d *Descriptor) Normalize() {
	if d.Port == 0 {
		d.Port = 22
	}
}

// Validate checks the descriptor's shape using ozzo-validation, independent
// of any network access. It is called by the pool before acquire() attempts
// a connection, so malformed descriptors fail fast with a field-level error.
func (d *Descriptor) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Host, validation.Required, validation.Length(1, 255)),
		validation.Field(&d.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&d.Username, validation.Required),
		validation.Field(&d.AuthType, validation.Required, validation.In(AuthPassword, AuthPrivateKey)),
	)
}

// Key computes the ConnectionKey for this descriptor, per spec §3:
//
//	"tab:{tabId}:{host}:{port}:{username}[:proxy:{ptype}:{phost}:{pport}]" when tabId present
//	"{host}:{port}:{username}" otherwise
func (d *Descriptor) Key() string {
	var b strings.Builder
	if d.TabID != "" {
		fmt.Fprintf(&b, "tab:%s:", d.TabID)
	}
	fmt.Fprintf(&b, "%s:%d:%s", d.Host, d.Port, d.Username)
	if d.Proxy != nil && d.Proxy.Type != ProxyUseDefault {
		fmt.Fprintf(&b, ":proxy:%s:%s:%d", d.Proxy.Type, d.Proxy.Host, d.Proxy.Port)
	}
	return b.String()
}

// Redacted reports only whether auth material was present, never its value,
// for safe inclusion in logs and sshpoolerr.Context.
type Redacted struct {
	HasPassword   bool
	HasPrivateKey bool
	HasKeyPath    bool
	KeyPath       string
}

func (d *Descriptor) Redact() Redacted {
	return Redacted{
		HasPassword:   d.Password != "",
		HasPrivateKey: len(d.PrivateKey) > 0,
		HasKeyPath:    d.PrivateKeyPath != "",
		KeyPath:       d.PrivateKeyPath,
	}
}
