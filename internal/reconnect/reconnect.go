// Package reconnect implements C4: per-session reconnection state
// machines that watch a live transport, classify failures, compute a
// retry delay, and atomically swap in a freshly dialed transport on
// success.
package reconnect

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/sshpool/internal/descriptor"
	"github.com/websoft9/sshpool/internal/events"
	"github.com/websoft9/sshpool/internal/hostcap"
	"github.com/websoft9/sshpool/internal/proxy"
	"github.com/websoft9/sshpool/internal/sshpoolerr"
	"github.com/websoft9/sshpool/internal/sshsession"
)

// State is one of the reconnection state machine's states (spec §3, §4.4).
type State string

const (
	StateIdle         State = "idle"
	StatePending      State = "pending"
	StateReconnecting State = "reconnecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateAbandoned    State = "abandoned"
)

// FailureClass classifies a transport failure for retry policy purposes.
type FailureClass string

const (
	ClassNetwork        FailureClass = "NETWORK"
	ClassAuthentication FailureClass = "AUTHENTICATION"
	ClassTimeout        FailureClass = "TIMEOUT"
	ClassResource       FailureClass = "RESOURCE"
	ClassUnknown        FailureClass = "UNKNOWN"
)

// Classify maps a Kind/message pair to a FailureClass per spec §4.4.
func Classify(kind sshpoolerr.Kind, message string) FailureClass {
	lower := strings.ToLower(message)
	switch {
	case kind == sshpoolerr.AuthenticationFailed || kind == sshpoolerr.HostKeyRejected ||
		strings.Contains(lower, "authentication") || strings.Contains(lower, "permission") ||
		strings.Contains(lower, "password") || strings.Contains(lower, "key"):
		return ClassAuthentication
	case kind == sshpoolerr.ResourceLimit || strings.Contains(lower, "too many") ||
		strings.Contains(lower, "limit") || strings.Contains(lower, "quota"):
		return ClassResource
	case kind == sshpoolerr.Timeout || strings.Contains(lower, "timeout"):
		return ClassTimeout
	case kind == sshpoolerr.TransportUnavailable || strings.Contains(lower, "econnreset") ||
		strings.Contains(lower, "epipe") || strings.Contains(lower, "enetunreach") ||
		strings.Contains(lower, "socket") || strings.Contains(lower, "network") ||
		strings.Contains(lower, "refused") || strings.Contains(lower, "reset"):
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// Retryable reports whether class is eligible for automatic retry.
func (c FailureClass) Retryable() bool {
	return c != ClassAuthentication && c != ClassResource
}

// Delay policy constants, per spec §4.4.
const (
	MaxRetries           = 5
	FastReconnectMax     = 2
	FastReconnectDelay   = 500 * time.Millisecond
	InitialBackoff       = 1 * time.Second
	BackoffFactor        = 2
	MaxBackoff           = 16 * time.Second
	Jitter               = 1 * time.Second
	AdaptiveWindow       = 10
	AdaptiveThreshold    = 0.7
	AdaptiveMultiplier   = 1.5
	EchoTestTimeout      = 3 * time.Second
	LegacyFixedInterval  = 3 * time.Second
	LegacyMaxRetries     = 5
)

func isFastPathEligible(retryCount int, errMessage string) bool {
	if retryCount > FastReconnectMax {
		return false
	}
	lower := strings.ToLower(errMessage)
	return strings.Contains(lower, "econnreset") || strings.Contains(lower, "epipe") ||
		strings.Contains(lower, "reset") || strings.Contains(lower, "broken pipe")
}

// computeDelay implements spec §4.4's delay policy: fast path, otherwise
// exponential backoff, with an adaptive multiplier applied when the
// session's recent success rate is below threshold.
func computeDelay(retryCount int, errMessage string, recentSuccessRate float64, hasHistory bool) time.Duration {
	var delay time.Duration
	if isFastPathEligible(retryCount, errMessage) {
		delay = FastReconnectDelay
	} else {
		backoff := float64(InitialBackoff) * pow(BackoffFactor, retryCount-1)
		if backoff > float64(MaxBackoff) {
			backoff = float64(MaxBackoff)
		}
		delay = time.Duration(backoff) + time.Duration(rand.Int63n(int64(Jitter)+1))
	}
	if hasHistory && recentSuccessRate < AdaptiveThreshold {
		delay = time.Duration(float64(delay) * AdaptiveMultiplier)
	}
	return delay
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

// attemptRecord is one entry in a session's reconnect history. The history
// is not trimmed; the adaptive delay reads only its last AdaptiveWindow
// entries.
type attemptRecord struct {
	at      time.Time
	success bool
	class   FailureClass
	message string
}

// Pool is the subset of C2 the manager swaps transports into.
type Pool interface {
	Swap(key string, transport *sshsession.Transport)
}

// sessionEntry is the manager's per-session state.
type sessionEntry struct {
	mu sync.Mutex

	sessionID  string
	descriptor *descriptor.Descriptor
	transport  *sshsession.Transport
	generation int

	state            State
	retryCount       int
	intentionalClose bool
	pendingTimer     *time.Timer
	history          []attemptRecord
}

// Manager runs the C4 reconnection state machines.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry

	pool     Pool
	resolver *proxy.Resolver
	caps     hostcap.Capabilities
	bus      *events.Bus

	asynqClient *asynq.Client
	useAsynq    bool
}

// RegisterOpts configures RegisterSession.
type RegisterOpts struct {
	AutoStart bool
}

// New constructs a Manager. asynqClient may be nil, in which case delays
// are scheduled with time.AfterFunc instead of an Asynq queue — the queue
// is preferred in the host app so scheduled reconnects survive a process
// restart, but is not required for correctness.
func New(pool Pool, resolver *proxy.Resolver, caps hostcap.Capabilities, bus *events.Bus, asynqClient *asynq.Client) *Manager {
	return &Manager{
		sessions:    make(map[string]*sessionEntry),
		pool:        pool,
		resolver:    resolver,
		caps:        caps,
		bus:         bus,
		asynqClient: asynqClient,
		useAsynq:    asynqClient != nil,
	}
}

// RegisterSession records transport as the live connection for sessionID.
// If opts.AutoStart and the computed initial state is pending (i.e. the
// transport is already closed), a reconnect is scheduled immediately —
// callers may register after already observing a close event.
func (m *Manager) RegisterSession(sessionID string, transport *sshsession.Transport, d *descriptor.Descriptor, opts RegisterOpts) {
	m.mu.Lock()
	e, exists := m.sessions[sessionID]
	if !exists {
		e = &sessionEntry{sessionID: sessionID}
		m.sessions[sessionID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	e.descriptor = d
	e.transport = transport
	e.generation++
	gen := e.generation
	e.state = StateConnected
	e.retryCount = 0
	e.intentionalClose = false
	closed := transport == nil
	if !closed {
		select {
		case <-transport.Closed():
			closed = true
		default:
		}
	}
	if closed {
		e.state = StatePending
	}
	e.mu.Unlock()

	publish(m.bus, events.SessionRegistered, sessionID)

	if transport != nil {
		go m.watch(e, transport, gen)
	}
	if closed && opts.AutoStart {
		m.scheduleReconnect(e, 0, "initial registration found transport already closed")
	}
}

// watch blocks until transport closes, then — if this is still the
// session's current transport generation, and the close was not
// intentional, and the state machine is not already reconnecting/
// abandoned — schedules a reconnect. The generation check implements the
// spec's "ignore events from superseded transports" filtering without a
// bus round-trip: an old watch goroutine's transport.Closed() firing after
// a newer transport has replaced it is a no-op here.
func (m *Manager) watch(e *sessionEntry, transport *sshsession.Transport, generation int) {
	<-transport.Closed()

	e.mu.Lock()
	stale := e.generation != generation
	intentional := e.intentionalClose
	inflight := e.state == StateReconnecting || e.state == StateAbandoned
	e.mu.Unlock()

	if stale || intentional || inflight {
		return
	}
	m.scheduleReconnect(e, 0, "transport closed unexpectedly")
}

func (m *Manager) scheduleReconnect(e *sessionEntry, attemptHint int, reason string) {
	e.mu.Lock()
	if e.pendingTimer != nil {
		e.mu.Unlock()
		return // at most one pending timer per session
	}
	e.retryCount++
	retryCount := e.retryCount
	lastMsg := reason
	if n := len(e.history); n > 0 {
		lastMsg = e.history[n-1].message
	}
	rate := recentSuccessRate(e.history)
	hasHistory := len(e.history) > 0
	e.state = StatePending
	e.mu.Unlock()

	if retryCount > MaxRetries {
		m.abandon(e, "maximum retries exceeded")
		return
	}

	delay := computeDelay(retryCount, lastMsg, rate, hasHistory)

	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()
	publish(m.bus, events.ReconnectScheduled, events.ReconnectScheduledPayload{
		SessionID: sessionID, Delay: delay, RetryCount: retryCount, MaxRetries: MaxRetries,
	})

	if m.useAsynq {
		m.enqueueDelayed(sessionID, delay)
	} else {
		e.mu.Lock()
		e.pendingTimer = time.AfterFunc(delay, func() { m.executeReconnect(e) })
		e.mu.Unlock()
	}
}

const asynqTaskType = "sshpool:reconnect"

func (m *Manager) enqueueDelayed(sessionID string, delay time.Duration) {
	task := asynq.NewTask(asynqTaskType, []byte(sessionID))
	if _, err := m.asynqClient.Enqueue(task, asynq.ProcessIn(delay), asynq.MaxRetry(0)); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("reconnect: asynq enqueue failed, falling back to timer")
		m.mu.Lock()
		e := m.sessions[sessionID]
		m.mu.Unlock()
		if e != nil {
			e.mu.Lock()
			e.pendingTimer = time.AfterFunc(delay, func() { m.executeReconnect(e) })
			e.mu.Unlock()
		}
	}
}

// HandleAsynqTask is the asynq.HandlerFunc a host app's asynq.ServeMux
// registers for asynqTaskType; it drives the same executeReconnect path as
// the in-process timer fallback.
func (m *Manager) HandleAsynqTask(_ context.Context, t *asynq.Task) error {
	sessionID := string(t.Payload())
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("reconnect: unknown session %q", sessionID)
	}
	m.executeReconnect(e)
	return nil
}

// executeReconnect opens a brand-new transport, validates it with an echo
// test, and swaps it into the pool. Per spec §4.4, transport swap is the
// only path that sets state=connected.
func (m *Manager) executeReconnect(e *sessionEntry) {
	e.mu.Lock()
	e.pendingTimer = nil
	if e.state == StateAbandoned {
		e.mu.Unlock()
		return
	}
	e.state = StateReconnecting
	d := e.descriptor
	sessionID := e.sessionID
	e.mu.Unlock()

	publish(m.bus, events.ReconnectStarted, sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), sshsession.ReadyTimeout)
	transport, err := sshsession.Open(ctx, d, m.resolver, m.caps, nil)
	cancel()
	if err == nil {
		err = validateEcho(transport)
		if err != nil {
			_ = transport.Close()
		}
	}

	if err != nil {
		m.recordFailure(e, err)
		return
	}

	e.mu.Lock()
	old := e.transport
	e.transport = transport
	e.generation++
	gen := e.generation
	e.state = StateConnected
	e.retryCount = 0
	e.history = append(e.history, attemptRecord{at: time.Now(), success: true})
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if m.pool != nil {
		m.pool.Swap(sessionIDToKey(sessionID), transport)
	}
	go m.watch(e, transport, gen)

	publish(m.bus, events.ReconnectSuccess, sessionID)
}

// sessionIDToKey is the identity function: sessionID and the pool's
// ConnectionKey are the same string throughout this package.
func sessionIDToKey(sessionID string) string { return sessionID }

func validateEcho(t *sshsession.Transport) error {
	sess, err := t.Client.NewSession()
	if err != nil {
		return fmt.Errorf("open validation session: %w", err)
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run("echo test") }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("echo test failed: %w", err)
		}
		if out.Len() == 0 {
			return fmt.Errorf("echo test produced no output")
		}
		return nil
	case <-time.After(EchoTestTimeout):
		return fmt.Errorf("echo test timed out after %s", EchoTestTimeout)
	}
}

func (m *Manager) recordFailure(e *sessionEntry, err error) {
	class := Classify(sshpoolerr.KindOf(err), err.Error())

	e.mu.Lock()
	e.history = append(e.history, attemptRecord{at: time.Now(), success: false, class: class, message: err.Error()})
	retryCount := e.retryCount
	sessionID := e.sessionID
	e.mu.Unlock()

	if !class.Retryable() || retryCount >= MaxRetries {
		m.abandon(e, sanitize(err))
		return
	}

	publish(m.bus, events.ReconnectFailed, events.ReconnectFailedPayload{
		SessionID: sessionID, Error: sanitize(err), Attempts: retryCount, MaxRetries: MaxRetries,
	})

	e.mu.Lock()
	e.state = StatePending
	e.mu.Unlock()
	m.scheduleReconnect(e, retryCount, err.Error())
}

func (m *Manager) abandon(e *sessionEntry, reason string) {
	e.mu.Lock()
	e.state = StateAbandoned
	if e.pendingTimer != nil {
		e.pendingTimer.Stop()
		e.pendingTimer = nil
	}
	sessionID := e.sessionID
	retryCount := e.retryCount
	e.mu.Unlock()

	publish(m.bus, events.ReconnectFailed, events.ReconnectFailedPayload{
		SessionID: sessionID, Error: sanitize(fmt.Errorf("%s", reason)), Attempts: retryCount, MaxRetries: MaxRetries,
	})
	publish(m.bus, events.ReconnectAbandoned, sessionID)
}

// sanitize strips internal-programming-error phrasing (spec §4.4: the
// user-facing reason "MUST hide internal exceptions, e.g. 'is not a
// function'") and falls back to a generic message for unclassified causes.
func sanitize(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, tell := range []string{"is not a function", "nil pointer", "panic", "index out of range"} {
		if strings.Contains(lower, tell) {
			return "Reconnection failed due to an internal error"
		}
	}
	return msg
}

func recentSuccessRate(history []attemptRecord) float64 {
	n := len(history)
	if n == 0 {
		return 1
	}
	start := 0
	if n > AdaptiveWindow {
		start = n - AdaptiveWindow
	}
	window := history[start:]
	successes := 0
	for _, r := range window {
		if r.success {
			successes++
		}
	}
	return float64(successes) / float64(len(window))
}

// CancelPendingReconnect clears sessionID's active timer, if any.
func (m *Manager) CancelPendingReconnect(sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.pendingTimer != nil {
		e.pendingTimer.Stop()
		e.pendingTimer = nil
	}
	e.mu.Unlock()
}

// ManualReconnect resets retryCount, clears intentionalClose, cancels any
// pending timer, and executes a reconnect attempt immediately. It
// satisfies pool.ManualReconnector.
func (m *Manager) ManualReconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("reconnect: unknown session %q", sessionID)
	}

	e.mu.Lock()
	e.retryCount = 0
	e.intentionalClose = false
	if e.pendingTimer != nil {
		e.pendingTimer.Stop()
		e.pendingTimer = nil
	}
	e.state = StateReconnecting
	e.mu.Unlock()

	m.executeReconnect(e)

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != StateConnected {
		return fmt.Errorf("reconnect: manual reconnect for %q did not reach connected state", sessionID)
	}
	return nil
}

// Pause transitions sessionID to abandoned and cancels its pending timer.
func (m *Manager) Pause(sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.state = StateAbandoned
	e.intentionalClose = true
	if e.pendingTimer != nil {
		e.pendingTimer.Stop()
		e.pendingTimer = nil
	}
	e.mu.Unlock()
}

// Resume transitions sessionID back to pending and schedules a reconnect.
func (m *Manager) Resume(sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.state = StatePending
	e.intentionalClose = false
	e.mu.Unlock()
	m.scheduleReconnect(e, 0, "resumed")
}

// State reports sessionID's current state (test/diagnostic use).
func (m *Manager) State(sessionID string) (State, bool) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// publish is a nil-safe wrapper so Manager.bus may be omitted in tests
// without guarding every call site.
func publish(bus *events.Bus, kind events.Kind, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(kind, payload)
}
