// Package cache is the hot cache gateway: it publishes each run's
// snapshot to a Redis-compatible key/value store and serves the read
// path. Snapshots are msgpack-encoded, metadata is JSON, and both keys
// carry a 6-hour TTL. Writes go through a transactional pipeline so a
// reader that observes the metadata key always finds a matching
// snapshot key.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/evaonline/matopiba/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	// SnapshotKey holds the msgpack-encoded snapshot of the latest run.
	SnapshotKey = "matopiba:forecasts:latest"
	// MetadataKey holds the JSON-encoded run metadata of the latest run.
	MetadataKey = "matopiba:metadata:latest"
	// SnapshotTTL bounds staleness: four runs per day, six hours apart.
	SnapshotTTL = 6 * time.Hour

	// RunLockKey is the distributed single-flight lock for the
	// orchestration task.
	RunLockKey = "matopiba-run"
	// RunLockTTL releases the lock even if a worker dies mid-run.
	RunLockTTL = 10 * time.Minute

	snapshotKeyPattern = "matopiba:forecasts:*"
	metadataKeyPattern = "matopiba:metadata:*"
)

// ErrNotFound is returned when the cache holds no snapshot, typically
// because no run has completed within the TTL window.
var ErrNotFound = errors.New("not found in cache")

// Gateway wraps the Redis client with typed snapshot operations.
type Gateway struct {
	rdb    *redis.Client
	logger *zap.SugaredLogger
}

// NewGateway parses the KV connection string and builds the gateway. The
// initial ping is best-effort: the store may come up after the daemon.
func NewGateway(kvURL string, logger *zap.SugaredLogger) (*Gateway, error) {
	opts, err := redis.ParseURL(kvURL)
	if err != nil {
		return nil, fmt.Errorf("invalid KV_URL: %v", err)
	}
	g := &Gateway{
		rdb:    redis.NewClient(opts),
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.rdb.Ping(ctx).Err(); err != nil {
		logger.Warnf("hot cache not reachable at startup: %v", err)
	}
	return g, nil
}

// NewGatewayWithClient wraps an existing Redis client. Used by tests.
func NewGatewayWithClient(rdb *redis.Client, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{rdb: rdb, logger: logger}
}

// EncodeSnapshot serializes a snapshot deterministically: json-tagged
// field names and the forecasts map written in sorted city-code order,
// so equal inputs produce identical bytes.
func EncodeSnapshot(s *types.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := encodeSnapshotBody(enc, s); err != nil {
		return nil, fmt.Errorf("cannot encode snapshot: %v", err)
	}
	return buf.Bytes(), nil
}

// encodeSnapshotBody writes the snapshot as a three-key map. The
// forecasts map is encoded entry by entry in sorted key order:
// reflection-encoded typed maps iterate in Go's randomized order, which
// would make equal snapshots encode to different bytes.
func encodeSnapshotBody(enc *msgpack.Encoder, s *types.Snapshot) error {
	if err := enc.EncodeMapLen(3); err != nil {
		return err
	}

	if err := enc.EncodeString("forecasts"); err != nil {
		return err
	}
	if err := enc.EncodeMapLen(len(s.Forecasts)); err != nil {
		return err
	}
	codes := make([]string, 0, len(s.Forecasts))
	for code := range s.Forecasts {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if err := enc.EncodeString(code); err != nil {
			return err
		}
		city := s.Forecasts[code]
		if err := enc.Encode(&city); err != nil {
			return err
		}
	}

	if err := enc.EncodeString("validation"); err != nil {
		return err
	}
	if err := enc.Encode(&s.Validation); err != nil {
		return err
	}

	if err := enc.EncodeString("metadata"); err != nil {
		return err
	}
	return enc.Encode(&s.Metadata)
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (*types.Snapshot, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var s types.Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("cannot decode snapshot: %v", err)
	}
	return &s, nil
}

// PutSnapshot publishes a run's snapshot and metadata atomically with
// the standard TTL. Legacy keys from older layouts are removed
// best-effort first.
func (g *Gateway) PutSnapshot(ctx context.Context, s *types.Snapshot) error {
	snapBytes, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	metaBytes, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("cannot encode metadata: %v", err)
	}

	g.cleanupLegacyKeys(ctx)

	// Snapshot first, metadata second, one MULTI/EXEC: a reader that
	// sees fresh metadata always finds the matching snapshot.
	pipe := g.rdb.TxPipeline()
	pipe.Set(ctx, SnapshotKey, snapBytes, SnapshotTTL)
	pipe.Set(ctx, MetadataKey, metaBytes, SnapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cannot write snapshot to hot cache: %v", err)
	}

	g.logger.Infof("snapshot published: %d cities, run %s, TTL %s",
		len(s.Forecasts), s.Metadata.RunLabel, SnapshotTTL)
	return nil
}

// GetSnapshot returns the latest snapshot or ErrNotFound.
func (g *Gateway) GetSnapshot(ctx context.Context) (*types.Snapshot, error) {
	data, err := g.rdb.Get(ctx, SnapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read snapshot from hot cache: %v", err)
	}
	return DecodeSnapshot(data)
}

// GetMetadata returns the latest run metadata or ErrNotFound.
func (g *Gateway) GetMetadata(ctx context.Context) (*types.RunMetadata, error) {
	data, err := g.rdb.Get(ctx, MetadataKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read metadata from hot cache: %v", err)
	}
	var m types.RunMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("cannot decode metadata: %v", err)
	}
	return &m, nil
}

// AcquireRunLock takes the distributed run lock. It returns false when
// another worker holds it; the caller discards the fire in that case.
func (g *Gateway) AcquireRunLock(ctx context.Context, token string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, RunLockKey, token, RunLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("cannot acquire run lock: %v", err)
	}
	return ok, nil
}

// ReleaseRunLock frees the run lock if this worker still owns it. A
// mismatched token means the lock expired and another run took over;
// releasing then would break the new run's exclusivity.
func (g *Gateway) ReleaseRunLock(ctx context.Context, token string) {
	current, err := g.rdb.Get(ctx, RunLockKey).Result()
	if errors.Is(err, redis.Nil) {
		return
	}
	if err != nil {
		g.logger.Warnf("cannot inspect run lock for release: %v", err)
		return
	}
	if current != token {
		g.logger.Warnf("run lock held by another worker, not releasing")
		return
	}
	if err := g.rdb.Del(ctx, RunLockKey).Err(); err != nil {
		g.logger.Warnf("cannot release run lock: %v", err)
	}
}

// cleanupLegacyKeys removes keys from older layouts (timestamped names
// under the matopiba prefixes). Best-effort: failures are logged only.
func (g *Gateway) cleanupLegacyKeys(ctx context.Context) {
	for _, pattern := range []string{snapshotKeyPattern, metadataKeyPattern} {
		iter := g.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if key == SnapshotKey || key == MetadataKey {
				continue
			}
			if err := g.rdb.Del(ctx, key).Err(); err != nil {
				g.logger.Warnf("cannot delete legacy cache key %s: %v", key, err)
			} else {
				g.logger.Infof("deleted legacy cache key %s", key)
			}
		}
		if err := iter.Err(); err != nil {
			g.logger.Warnf("legacy key scan failed for %s: %v", pattern, err)
		}
	}
}

// Close releases the underlying Redis connection pool.
func (g *Gateway) Close() error {
	return g.rdb.Close()
}
