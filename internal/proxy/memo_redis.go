package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisMemo is a Memo backed by Redis, so per-host PAC resolution survives
// process restarts and is shared across multiple instances resolving the
// same fleet of target hosts (spec §9: "avoids repeated PAC calls on
// reconnect storms").
type RedisMemo struct {
	Client    *redis.Client
	KeyPrefix string // default "sshpool:proxymemo:"
	TTL       time.Duration // 0 means no expiry
}

// NewRedisMemo returns a RedisMemo using client, namespacing keys under
// keyPrefix (or a sane default) with the given ttl (0 = never expire).
func NewRedisMemo(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisMemo {
	if keyPrefix == "" {
		keyPrefix = "sshpool:proxymemo:"
	}
	return &RedisMemo{Client: client, KeyPrefix: keyPrefix, TTL: ttl}
}

// redisMemoRecord disambiguates "no proxy" (None=true) from "not cached"
// (Redis key absent) since a Config-valued nil cannot itself be stored.
type redisMemoRecord struct {
	None   bool    `json:"none"`
	Config *Config `json:"config,omitempty"`
}

func (m *RedisMemo) Get(ctx context.Context, hostKey string) (*Config, bool) {
	raw, err := m.Client.Get(ctx, m.KeyPrefix+hostKey).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("host", hostKey).Msg("proxy: redis memo read failed, treating as miss")
		}
		return nil, false
	}
	var rec redisMemoRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	if rec.None {
		return nil, true
	}
	return rec.Config, true
}

func (m *RedisMemo) Set(ctx context.Context, hostKey string, cfg *Config) {
	rec := redisMemoRecord{None: cfg == nil, Config: cfg}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := m.Client.Set(ctx, m.KeyPrefix+hostKey, raw, m.TTL).Err(); err != nil {
		log.Debug().Err(err).Str("host", hostKey).Msg("proxy: redis memo write failed, ignoring")
	}
}

var _ Memo = (*RedisMemo)(nil)
