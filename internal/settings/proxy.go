package settings

import (
	"context"
	"fmt"

	"github.com/pocketbase/pocketbase/core"

	"github.com/websoft9/sshpool/internal/descriptor"
	"github.com/websoft9/sshpool/internal/proxy"
	"github.com/websoft9/sshpool/internal/secretenc"
)

const (
	proxyModule = "sshpool"
	proxyKey    = "default_proxy"
)

// DefaultProxyStore persists the process-wide default proxy (spec §6
// defaultProxyConfig) in the app_settings collection, and implements
// proxy.DefaultProxyProvider.
type DefaultProxyStore struct {
	app core.App
}

// NewDefaultProxyStore returns a DefaultProxyStore backed by app.
func NewDefaultProxyStore(app core.App) *DefaultProxyStore {
	return &DefaultProxyStore{app: app}
}

// DefaultProxy implements proxy.DefaultProxyProvider. A missing or disabled
// row means "no default proxy configured" (ok=false), matching
// GetGroup's safe-fallback contract. The stored password is encrypted at
// rest (see SetDefaultProxy); a decryption failure — a corrupted row or a
// rotated SSHPOOL_ENCRYPTION_KEY — is treated the same as "not configured"
// rather than handing back a proxy with an unusable password.
func (s *DefaultProxyStore) DefaultProxy(_ context.Context) (*proxy.Config, bool) {
	group, err := GetGroup(s.app, proxyModule, proxyKey, nil)
	if err != nil || group == nil {
		return nil, false
	}
	if !Bool(group, "enabled", false) {
		return nil, false
	}
	host := String(group, "host", "")
	if host == "" {
		return nil, false
	}
	password, err := secretenc.DecryptIfSet(String(group, "password", ""))
	if err != nil {
		return nil, false
	}
	return &proxy.Config{
		Type:     descriptor.ProxyType(String(group, "type", string(descriptor.ProxyHTTP))),
		Host:     host,
		Port:     Int(group, "port", 0),
		Username: String(group, "username", ""),
		Password: password,
	}, true
}

// SetDefaultProxy persists cfg as the process-wide default proxy, encrypting
// its password before it reaches the app_settings row. Passing nil clears
// it (enabled=false).
func (s *DefaultProxyStore) SetDefaultProxy(cfg *proxy.Config) error {
	if cfg == nil {
		return SetGroup(s.app, proxyModule, proxyKey, map[string]any{"enabled": false})
	}
	encPassword, err := secretenc.EncryptIfSet(cfg.Password)
	if err != nil {
		return fmt.Errorf("settings.SetDefaultProxy: encrypt password: %w", err)
	}
	return SetGroup(s.app, proxyModule, proxyKey, map[string]any{
		"enabled":  true,
		"type":     string(cfg.Type),
		"host":     cfg.Host,
		"port":     cfg.Port,
		"username": cfg.Username,
		"password": encPassword,
	})
}

var _ proxy.DefaultProxyProvider = (*DefaultProxyStore)(nil)
