package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/always-cache/flight-cache/pkg/clock"

	"github.com/rs/zerolog"
	valkeylib "github.com/valkey-io/valkey-go"
)

// DefaultValkeyConnectTimeout is the maximum time to wait for the initial ping.
const DefaultValkeyConnectTimeout = 5 * time.Second

type ValkeyConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix for every key, e.g. the user or request context sharing the tier.
	// Clear refuses to run without one.
	KeyPrefix      string
	ConnectTimeout time.Duration
	// Per-call timeout. Defaults to DefaultRemoteTimeout.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *zerolog.Logger
}

// ValkeyCache is a shared tier stored in Valkey (or Redis).
// Entries carry a server-side TTL so the server drops them on its own.
type ValkeyCache struct {
	client  valkeylib.Client
	prefix  string
	timeout time.Duration
	clock   clock.Clock
	log     zerolog.Logger
}

// NewValkeyCache connects to the configured server and pings it.
// The caller is responsible for calling Close() when done.
func NewValkeyCache(config ValkeyConfig) (*ValkeyCache, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{config.Address},
		SelectDB:    config.DB,
	}
	if config.Password != "" {
		opts.Password = config.Password
	}
	client, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	timeout := config.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultValkeyConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey (timeout: %v): %w", timeout, err)
	}
	return NewValkeyCacheFromClient(client, config), nil
}

// NewValkeyCacheFromClient wraps an existing client. Address, password and db of config are ignored.
func NewValkeyCacheFromClient(client valkeylib.Client, config ValkeyConfig) *ValkeyCache {
	prefix := config.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	v := &ValkeyCache{
		client:  client,
		prefix:  prefix,
		timeout: config.Timeout,
		clock:   config.Clock,
	}
	if v.timeout <= 0 {
		v.timeout = DefaultRemoteTimeout
	}
	if v.clock == nil {
		v.clock = clock.System{}
	}
	if config.Logger == nil {
		v.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		v.log = *config.Logger
	}
	v.log = v.log.With().Str("tier", v.Name()).Str("prefix", prefix).Logger()
	return v
}

func (v *ValkeyCache) Name() string {
	return "valkey"
}

func (v *ValkeyCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	b, err := v.client.Do(ctx, v.client.B().Get().Key(v.prefix+key).Build()).AsBytes()
	if valkeylib.IsValkeyNil(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := Decode(b)
	if err != nil {
		v.log.Warn().Err(err).Str("key", key).Msg("Purging corrupted entry")
		if err := v.Purge(ctx, key); err != nil {
			v.log.Warn().Err(err).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (v *ValkeyCache) Put(ctx context.Context, entry Entry) error {
	b, err := entry.Encode()
	if err != nil {
		return err
	}
	return v.PutBytes(ctx, entry.Key, entry.CreatedAt, entry.ExpiresAt, b)
}

// PutBytes stores b with a TTL derived from expires. Already expired entries are not stored.
func (v *ValkeyCache) PutBytes(ctx context.Context, key string, _, expires time.Time, b []byte) error {
	ttl := expires.Sub(v.clock.Now())
	if ttl <= 0 {
		return nil
	}
	// EX has second granularity, round up so the entry never disappears early
	ttl = ttl.Truncate(time.Second) + time.Second
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	cmd := v.client.B().Set().Key(v.prefix + key).Value(string(b)).Ex(ttl).Build()
	return v.client.Do(ctx, cmd).Error()
}

func (v *ValkeyCache) Purge(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.client.Do(ctx, v.client.B().Del().Key(v.prefix+key).Build()).Error()
}

func (v *ValkeyCache) AllKeys(ctx context.Context, prefix string, cb func(string)) error {
	keys, err := v.scan(ctx, v.prefix+globEscaper.Replace(prefix)+"*")
	if err != nil {
		return err
	}
	sort.Strings(keys)
	for _, key := range keys {
		cb(strings.TrimPrefix(key, v.prefix))
	}
	return nil
}

// ErrNoKeyPrefix is returned by Clear on a tier without key prefix,
// where clearing would delete every key of the database.
var ErrNoKeyPrefix = errors.New("valkey tier has no key prefix, refusing to clear")

// Clear removes every key under the configured prefix.
func (v *ValkeyCache) Clear(ctx context.Context) error {
	if v.prefix == "" {
		return ErrNoKeyPrefix
	}
	keys, err := v.scan(ctx, globEscaper.Replace(v.prefix)+"*")
	if err != nil || len(keys) == 0 {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.client.Do(ctx, v.client.B().Del().Key(keys...).Build()).Error()
}

func (v *ValkeyCache) Close() {
	v.client.Close()
}

// scan returns all full keys matching the glob pattern, using SCAN rather than KEYS.
func (v *ValkeyCache) scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	// SCAN may return a key more than once
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	var cursor uint64
	for {
		cmd := v.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()
		result, err := v.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, key := range result.Elements {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
		cursor = result.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
