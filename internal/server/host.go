// Package server wires C1–C9 into a PocketBase application and exposes
// them over HTTP/WS, adapted from the teacher's internal/server+routes+
// handlers (chi-based Docker/Convex gateway) into PocketBase's own router.
package server

import (
	"github.com/hibiken/asynq"
	"github.com/pocketbase/pocketbase"
	"github.com/redis/go-redis/v9"

	"github.com/websoft9/sshpool/internal/audit"
	"github.com/websoft9/sshpool/internal/config"
	"github.com/websoft9/sshpool/internal/dircache"
	"github.com/websoft9/sshpool/internal/events"
	"github.com/websoft9/sshpool/internal/hostcap"
	"github.com/websoft9/sshpool/internal/pool"
	"github.com/websoft9/sshpool/internal/proxy"
	"github.com/websoft9/sshpool/internal/reconnect"
	"github.com/websoft9/sshpool/internal/settings"
	"github.com/websoft9/sshpool/internal/sftpmgr"
	"github.com/websoft9/sshpool/internal/transfer"
	"github.com/websoft9/sshpool/internal/worker"
)

// Host bundles every C1–C9 component for one running process, the same
// grouping the teacher's server.Server held for its chi mux and Docker
// client.
type Host struct {
	Config *config.Config

	Bus       *events.Bus
	Resolver  *proxy.Resolver
	Pool      *pool.Pool
	Reconnect *reconnect.Manager
	SFTP      *sftpmgr.Manager
	DirCache  *dircache.Manager
	Transfer  *transfer.Manager
	Worker    *worker.Worker

	caps            hostcap.Capabilities
	stopAuditBridge func()
}

// New builds a Host from cfg, wiring every component's constructor in
// dependency order: proxy resolver first (nothing depends on anything),
// then the pool, then the worker (its Asynq client is handed to
// reconnect), then reconnect (needs the pool; wired back into the worker
// for task dispatch via SetReconnectManager), then SFTP/dircache/transfer.
func New(app *pocketbase.PocketBase, cfg *config.Config) *Host {
	bus := events.New()
	caps := hostcap.NopCapabilities{}

	defaultProxy := settings.NewDefaultProxyStore(app)
	resolver := proxy.NewResolver(defaultProxy, nil)

	if cfg.UseRedisForReconnect && cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		resolver.Memo = proxy.NewRedisMemo(redisClient, "sshpool:proxymemo:", cfg.DirCacheTTL)
	}

	p := pool.New(resolver, caps, bus)

	var asynqClient *asynq.Client
	w := worker.New(app, cfg.RedisAddr, nil)
	if cfg.UseRedisForReconnect {
		asynqClient = w.Client()
	}

	reconnectMgr := reconnect.New(p, resolver, caps, bus, asynqClient)
	p.SetReconnector(reconnectMgr)
	w.SetReconnectManager(reconnectMgr)

	sftp := sftpmgr.New()

	var dirStore dircache.Store
	if cfg.UseRedisForReconnect && cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		dirStore = dircache.NewRedisStore(redisClient, "sshpool:dircache:")
	}
	dc := dircache.New(sftp, dirStore)

	tr := transfer.New(sftp, p, bus, cfg.TransferRateLimitBytesPerSec)

	stopAuditBridge := audit.SubscribeBus(app, bus)

	return &Host{
		Config:          cfg,
		Bus:             bus,
		Resolver:        resolver,
		Pool:            p,
		Reconnect:       reconnectMgr,
		SFTP:            sftp,
		DirCache:        dc,
		Transfer:        tr,
		Worker:          w,
		caps:            caps,
		stopAuditBridge: stopAuditBridge,
	}
}

// Shutdown stops the health sweep, then the audit bridge, then the worker.
func (h *Host) Shutdown() {
	h.Pool.Stop()
	h.stopAuditBridge()
	h.Worker.Shutdown()
}
