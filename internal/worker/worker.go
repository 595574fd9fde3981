// Package worker manages the embedded Asynq task worker that backs
// delayed reconnect scheduling (internal/reconnect), plus a cron scheduler
// for periodic jobs registered through ScheduleSweep. Nothing in this
// module registers a sweep there: the pool's health sweep runs on its own
// ticker (pool.StartHealthSweep).
package worker

import (
	"log"

	"github.com/hibiken/asynq"
	"github.com/pocketbase/pocketbase/core"
	"github.com/robfig/cron/v3"

	"github.com/websoft9/sshpool/internal/reconnect"
)

// Worker manages the Asynq server and a shared client for enqueuing
// delayed tasks, plus a cron scheduler for fixed-interval sweeps.
type Worker struct {
	server *asynq.Server
	client *asynq.Client
	app    core.App // PocketBase app, kept for handlers that need audit writes

	reconnectMgr *reconnect.Manager
	cronSched    *cron.Cron
}

// New creates a Worker with an Asynq server/client pair pointed at
// redisAddr (host:port). app is kept for any handler that needs to write
// audit records; reconnectMgr is wired so the reconnect task type can be
// dispatched to it.
func New(app core.App, redisAddr string, reconnectMgr *reconnect.Manager) *Worker {
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	client := asynq.NewClient(opt)

	return &Worker{
		server:       srv,
		client:       client,
		app:          app,
		reconnectMgr: reconnectMgr,
		cronSched:    cron.New(),
	}
}

// Client returns the shared Asynq client, so other components (e.g.
// internal/reconnect) can enqueue delayed tasks through the same Redis
// connection.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// SetReconnectManager wires the reconnection manager after both the worker
// and the manager have been constructed, breaking the natural construction
// cycle (the manager needs the worker's Asynq client; the worker needs the
// manager to route its task type).
func (w *Worker) SetReconnectManager(m *reconnect.Manager) {
	w.reconnectMgr = m
}

// Start begins processing Asynq tasks and any registered cron jobs in
// background goroutines. Call once during application startup.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	if w.reconnectMgr != nil {
		mux.HandleFunc("sshpool:reconnect", w.reconnectMgr.HandleAsynqTask)
	}

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Printf("asynq worker error: %v", err)
		}
	}()

	w.cronSched.Start()
}

// ScheduleSweep registers fn to run on the given cron spec (e.g. "@every
// 5m"), for periodic housekeeping that doesn't fit the delayed-task model.
// Returns the entry ID on success.
func (w *Worker) ScheduleSweep(spec string, fn func()) (cron.EntryID, error) {
	return w.cronSched.AddFunc(spec, fn)
}

// Shutdown gracefully stops the Asynq server, the cron scheduler, and
// closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	w.cronSched.Stop()
	_ = w.client.Close()
}
