// Package redis caches account balances in Redis for read-heavy callers
// such as balance badges. The ledger refreshes entries after every commit
// and invalidates them when a write outcome is unknown.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Client is the subset of go-redis client methods used by Cache.
type Client interface {
	goredis.Scripter
	HMGet(ctx context.Context, key string, fields ...string) *goredis.SliceCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Config holds cache settings.
type Config struct {
	Prefix string        `json:"prefix" mapstructure:"prefix" yaml:"prefix"`
	TTL    time.Duration `json:"ttl" mapstructure:"ttl" yaml:"ttl"`
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{Prefix: "tally:balance:", TTL: 5 * time.Minute}
}

// Cache implements tally.BalanceCache.
type Cache struct {
	client Client
	cfg    Config
}

// New creates a balance cache. Zero config fields take their defaults.
func New(client Client, cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Cache{client: client, cfg: cfg}
}

// Entries are hashes {v: version, a: amount, c: currency}. A write only
// lands when its version is newer than the stored one, so a slow writer
// cannot put back a balance that a later commit already replaced.
var setIfNewer = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'a', ARGV[2], 'c', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// GetBalance returns the cached balance. ok is false on a miss.
func (c *Cache) GetBalance(ctx context.Context, accountID id.AccountID) (types.Money, bool, error) {
	vals, err := c.client.HMGet(ctx, c.key(accountID), "a", "c").Result()
	if err != nil {
		return types.Money{}, false, fmt.Errorf("tally/redis: get %s: %w", accountID, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return types.Money{}, false, nil
	}
	raw, _ := vals[0].(string)
	currency, _ := vals[1].(string)
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || currency == "" {
		return types.Money{}, false, fmt.Errorf("tally/redis: decode %s: malformed entry", accountID)
	}
	return types.Millis(amount, currency), true, nil
}

// SetBalance caches the balance observed at version for the configured
// TTL. It is a no-op when the entry already holds the same or a newer
// version.
func (c *Cache) SetBalance(ctx context.Context, accountID id.AccountID, balance types.Money, version int64) error {
	err := setIfNewer.Run(ctx, c.client, []string{c.key(accountID)},
		version, balance.Amount, balance.Currency, c.cfg.TTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("tally/redis: set %s: %w", accountID, err)
	}
	return nil
}

// Invalidate drops cached balances.
func (c *Cache) Invalidate(ctx context.Context, accountIDs ...id.AccountID) error {
	if len(accountIDs) == 0 {
		return nil
	}
	keys := make([]string, len(accountIDs))
	for i, a := range accountIDs {
		keys[i] = c.key(a)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("tally/redis: invalidate: %w", err)
	}
	return nil
}

func (c *Cache) key(accountID id.AccountID) string {
	return c.cfg.Prefix + accountID.String()
}
