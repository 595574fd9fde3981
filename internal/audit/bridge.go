package audit

import (
	"github.com/pocketbase/pocketbase/core"

	"github.com/websoft9/sshpool/internal/events"
)

// SubscribeBus persists reconnect and transfer lifecycle events from bus as
// audit_logs records, until the returned cancel func is called.
// A session/connection event carries no authenticated actor, so UserID is
// "system" — the audit trail still records what happened to which
// connection and when.
func SubscribeBus(app core.App, bus *events.Bus) func() {
	ch, cancel := bus.Subscribe(nil)
	go func() {
		for e := range ch {
			entry, ok := toEntry(e)
			if !ok {
				continue
			}
			Write(app, entry)
		}
	}()
	return cancel
}

func toEntry(e events.Event) (Entry, bool) {
	switch e.Kind {
	case events.ReconnectScheduled:
		p, ok := e.Payload.(events.ReconnectScheduledPayload)
		if !ok {
			return Entry{}, false
		}
		return Entry{
			UserID: "system", Action: "session.reconnect.scheduled",
			ResourceType: "session", ResourceID: p.SessionID,
			Status: StatusPending,
			Detail: map[string]any{"delay_ms": p.Delay.Milliseconds(), "retry": p.RetryCount, "max_retries": p.MaxRetries},
		}, true
	case events.ReconnectFailed:
		p, ok := e.Payload.(events.ReconnectFailedPayload)
		if !ok {
			return Entry{}, false
		}
		return Entry{
			UserID: "system", Action: "session.reconnect.failed",
			ResourceType: "session", ResourceID: p.SessionID,
			Status: StatusFailed,
			Detail: map[string]any{"error": p.Error, "attempts": p.Attempts, "max_retries": p.MaxRetries},
		}, true
	case events.ReconnectSuccess:
		sessionID, _ := e.Payload.(string)
		return Entry{
			UserID: "system", Action: "session.reconnect.success",
			ResourceType: "session", ResourceID: sessionID,
			Status: StatusSuccess,
		}, true
	case events.ReconnectAbandoned:
		sessionID, _ := e.Payload.(string)
		return Entry{
			UserID: "system", Action: "session.reconnect.abandoned",
			ResourceType: "session", ResourceID: sessionID,
			Status: StatusFailed,
		}, true
	case events.TransferCompleted, events.TransferFailed, events.TransferCancelled:
		p, ok := e.Payload.(events.TransferTerminalPayload)
		if !ok {
			return Entry{}, false
		}
		status := StatusSuccess
		action := "transfer.completed"
		switch e.Kind {
		case events.TransferFailed:
			status, action = StatusFailed, "transfer.failed"
		case events.TransferCancelled:
			status, action = StatusFailed, "transfer.cancelled"
		}
		return Entry{
			UserID: "system", Action: action,
			ResourceType: "transfer", ResourceID: p.TransferKey,
			Status: status,
			Detail: map[string]any{"warning": p.Warning, "error": p.Error, "partial_success": p.PartialSuccess},
		}, true
	default:
		return Entry{}, false
	}
}
