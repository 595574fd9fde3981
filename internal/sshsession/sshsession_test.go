package sshsession

import (
	"strings"
	"testing"

	"github.com/websoft9/sshpool/internal/descriptor"
	"github.com/websoft9/sshpool/internal/sshpoolerr"
)

func TestAuthMethodFromDescriptor_Password(t *testing.T) {
	d := &descriptor.Descriptor{AuthType: descriptor.AuthPassword, Password: "secret123"}
	method, err := authMethodFromDescriptor(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method == nil {
		t.Fatal("expected non-nil auth method")
	}
}

func TestAuthMethodFromDescriptor_UnknownType(t *testing.T) {
	d := &descriptor.Descriptor{AuthType: "bogus"}
	if _, err := authMethodFromDescriptor(d); err == nil {
		t.Fatal("expected error for unknown auth type")
	}
}

func TestAuthMethodFromDescriptor_InvalidPrivateKey(t *testing.T) {
	d := &descriptor.Descriptor{AuthType: descriptor.AuthPrivateKey, PrivateKey: []byte("not-a-valid-key")}
	if _, err := authMethodFromDescriptor(d); err == nil {
		t.Fatal("expected error for invalid private key material")
	}
}

func TestMapDialError_Refused(t *testing.T) {
	ctxErr := sshpoolerr.Context{ConnectionKey: "example.com:22:root"}
	err := mapDialError(fmtErr("dial tcp 10.0.0.1:22: connect: connection refused"), ctxErr, false)
	var classified *sshpoolerr.Error
	if !asError(err, &classified) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if classified.Kind != sshpoolerr.TransportUnavailable {
		t.Fatalf("got kind %v, want TransportUnavailable", classified.Kind)
	}
}

func TestMapDialError_NoSuchHost(t *testing.T) {
	err := mapDialError(fmtErr("dial tcp: lookup bogus.invalid: no such host"), sshpoolerr.Context{}, false)
	var classified *sshpoolerr.Error
	if !asError(err, &classified) || classified.Kind != sshpoolerr.TransportUnavailable {
		t.Fatalf("expected TransportUnavailable, got %v", err)
	}
}

func TestMapDialError_Timeout(t *testing.T) {
	err := mapDialError(fmtErr("dial tcp 10.0.0.1:22: i/o timeout"), sshpoolerr.Context{}, false)
	var classified *sshpoolerr.Error
	if !asError(err, &classified) || classified.Kind != sshpoolerr.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestMapAuthError_PhrasesKeyPath(t *testing.T) {
	ctxErr := sshpoolerr.Context{DescriptorRedacted: sshpoolerr.DescriptorRedacted{HasKeyPath: true, KeyPath: "/home/u/.ssh/id_ed25519"}}
	err := mapAuthError(fmtErr("ssh: unable to authenticate, attempted methods [publickey]"), ctxErr)
	var classified *sshpoolerr.Error
	if !asError(err, &classified) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if classified.Kind != sshpoolerr.AuthenticationFailed {
		t.Fatalf("got kind %v, want AuthenticationFailed", classified.Kind)
	}
	if !strings.Contains(classified.Message, "/home/u/.ssh/id_ed25519") {
		t.Fatalf("expected key path in message, got %q", classified.Message)
	}
}

func TestUsingProxyHint(t *testing.T) {
	d := &descriptor.Descriptor{}
	if usingProxyHint(d) {
		t.Fatal("expected false with no proxy set")
	}
	d.Proxy = &descriptor.Proxy{Type: descriptor.ProxySOCKS5, Host: "proxy", Port: 1080}
	if !usingProxyHint(d) {
		t.Fatal("expected true once a proxy is set")
	}
}

// --- local helpers (avoid importing errors/fmt into the test just for these) ---

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func fmtErr(s string) error { return simpleErr(s) }

func asError(err error, target **sshpoolerr.Error) bool {
	e, ok := err.(*sshpoolerr.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
