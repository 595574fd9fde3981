// Package hostcap defines the runtime-provided capabilities the core
// consumes but does not implement (spec §6): host-key trust decisions, a
// PAC-style system proxy resolver, and a handful of UI-adjacent helpers.
// None of this is part of the core; NopCapabilities gives CLI/headless
// callers a safe default.
package hostcap

import "context"

// HostKeyPrompt is presented to the trust-decision callback before C3
// accepts a server's identity (spec §4.3).
type HostKeyPrompt struct {
	Host              string
	Port              int
	ServerVersion     string
	Fingerprint       string
	FingerprintChanged bool
}

// HostKeyDecision is the callback's answer. Username/AuthMaterial let the
// host swap credentials at the trust-decision point (e.g. prompting the
// user only once a changed fingerprint is accepted); RememberAutoLogin asks
// the host to skip future prompts for this host (a host-side persistence
// concern — the core does not implement a trust store, per spec Non-goals).
type HostKeyDecision struct {
	Accept            bool
	Username           string
	AuthMaterial       []byte
	RememberAutoLogin bool
}

// Capabilities groups every host-provided capability the core may call.
type Capabilities interface {
	// VerifyHostKey asks the host to accept or reject a server identity.
	VerifyHostKey(ctx context.Context, prompt HostKeyPrompt) (HostKeyDecision, error)
	// ResolveSystemProxy is the optional PAC-style per-URL proxy resolution
	// capability (spec §4.1 step 3(b), §6). ok=false means the capability is
	// unavailable and the caller should fall back to environment variables.
	ResolveSystemProxy(ctx context.Context, urlForHost string) (rules string, ok bool)
	// SelectKeyFile lets the UI prompt for a private-key file path.
	SelectKeyFile(ctx context.Context) (path string, err error)
	// OpenExternal opens a URL in the host's external browser.
	OpenExternal(ctx context.Context, url string) error
	// ShowItemInFolder reveals a completed download in the host's file browser.
	ShowItemInFolder(ctx context.Context, path string) error
	// CheckPathExists is used by the UI after a successful download.
	CheckPathExists(ctx context.Context, path string) (bool, error)
}

// NopCapabilities implements Capabilities with conservative, side-effect-free
// defaults: host keys are accepted unconditionally (suitable only for
// scripted/CLI use where the operator already trusts the target), no PAC
// resolver is available, and the UI-facing helpers are no-ops.
type NopCapabilities struct{}

func (NopCapabilities) VerifyHostKey(_ context.Context, _ HostKeyPrompt) (HostKeyDecision, error) {
	return HostKeyDecision{Accept: true}, nil
}

func (NopCapabilities) ResolveSystemProxy(_ context.Context, _ string) (string, bool) {
	return "", false
}

func (NopCapabilities) SelectKeyFile(_ context.Context) (string, error) {
	return "", nil
}

func (NopCapabilities) OpenExternal(_ context.Context, _ string) error { return nil }

func (NopCapabilities) ShowItemInFolder(_ context.Context, _ string) error { return nil }

func (NopCapabilities) CheckPathExists(_ context.Context, path string) (bool, error) {
	return false, nil
}

var _ Capabilities = NopCapabilities{}
