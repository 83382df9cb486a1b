package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valet-proxy/valet/internal/obs"
)

const redisKeyPrefix = "valet:cred:"

// redisStore keeps credentials in Redis, giving the proxy process and
// out-of-process credential invocations a shared authoritative view.
// Server-side key TTLs replace the sweep loop: Redis expires orphaned
// records on its own.
type redisStore struct {
	cfg    Config
	client *redis.Client
	done   chan struct{}
}

// verifyScript checks and marks a credential in one round trip so two
// concurrent connections cannot both consume a strict single-use record.
// ARGV[1] is "1" when strict single-use is enabled.
var verifyScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local cred = cjson.decode(v)
if ARGV[1] == "1" and cred.used then return 0 end
if not cred.used then
	cred.used = true
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl > 0 then
		redis.call("SET", KEYS[1], cjson.encode(cred), "PX", ttl)
	else
		redis.call("SET", KEYS[1], cjson.encode(cred))
	end
end
return 1
`)

func NewRedisStore(cfg Config, target string) (Store, error) {
	cfg = cfg.withDefaults()

	opts, err := redis.ParseURL(target)
	if err != nil {
		return nil, fmt.Errorf("redis store: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := &redisStore{cfg: cfg, client: client, done: make(chan struct{})}
	go s.gaugeLoop()
	return s, nil
}

// gaugeLoop resynchronizes the credential gauge with the server on the sweep
// interval; Redis expires keys on its own, so add/remove counting alone would
// drift upward.
func (r *redisStore) gaugeLoop() {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.refreshGauge(context.Background())
		case <-r.done:
			return
		}
	}
}

func (r *redisStore) refreshGauge(ctx context.Context) {
	var cursor uint64
	var count int64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	obs.ActiveCredentials.Set(float64(count))
}

func (r *redisStore) Add(ctx context.Context, identifier, secret string) error {
	data, err := json.Marshal(Credential{
		Identifier: identifier,
		Secret:     secret,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key(identifier, secret), data, r.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	r.refreshGauge(ctx)
	return nil
}

func (r *redisStore) Remove(ctx context.Context, identifier, secret string) (bool, error) {
	n, err := r.client.Del(ctx, redisKeyPrefix+key(identifier, secret)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del failed: %w", err)
	}
	if n > 0 {
		r.refreshGauge(ctx)
	}
	return n > 0, nil
}

func (r *redisStore) Verify(ctx context.Context, identifier, secret string) bool {
	strict := "0"
	if r.cfg.StrictSingleUse {
		strict = "1"
	}
	n, err := verifyScript.Run(ctx, r.client, []string{redisKeyPrefix + key(identifier, secret)}, strict).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		// Fail closed: an unreachable store rejects everyone.
		obs.Error("store.verify", obs.Fields{"err": err.Error()})
		return false
	}
	return n == 1
}

func (r *redisStore) Close() error {
	close(r.done)
	return r.client.Close()
}
