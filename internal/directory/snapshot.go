package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/licdir/licdir/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

const snapshotKey = "licdir:dataset:snapshot"

// ErrNoSnapshot is returned by Load when no snapshot has ever been saved.
var ErrNoSnapshot = errors.New("no dataset snapshot stored")

// Snapshot is the last known-good dataset persisted in Redis, so a restarted
// instance can fall back to stale data even before its first successful
// upstream fetch.
type Snapshot struct {
	Records   []Record  `json:"records"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SnapshotStore persists the last known-good dataset in Redis. Writes are
// best-effort; the cache works without a store.
type SnapshotStore struct {
	client redis.Client
	ttl    time.Duration
	logger *slog.Logger

	OnError func()
}

// SnapshotOption configures a SnapshotStore.
type SnapshotOption func(*SnapshotStore)

// WithSnapshotTTL bounds how long a persisted snapshot stays loadable.
// 0 keeps snapshots indefinitely. Default: 24h.
func WithSnapshotTTL(d time.Duration) SnapshotOption {
	return func(s *SnapshotStore) { s.ttl = d }
}

// WithSnapshotLogger sets the logger for store diagnostics.
func WithSnapshotLogger(l *slog.Logger) SnapshotOption {
	return func(s *SnapshotStore) { s.logger = l }
}

// NewSnapshotStore creates a snapshot store backed by the given Redis client.
func NewSnapshotStore(client redis.Client, opts ...SnapshotOption) *SnapshotStore {
	s := &SnapshotStore{
		client: client,
		ttl:    24 * time.Hour,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save persists the dataset. Failures are reported to the caller but are
// safe to ignore; the in-memory cache remains authoritative.
func (s *SnapshotStore) Save(ctx context.Context, records []Record, fetchedAt time.Time) error {
	data, err := json.Marshal(Snapshot{Records: records, FetchedAt: fetchedAt})
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := s.client.Set(ctx, snapshotKey, data, s.ttl).Err(); err != nil {
		if s.OnError != nil {
			s.OnError()
		}
		return fmt.Errorf("snapshot: save: %w", err)
	}
	s.logger.Debug("dataset snapshot saved", "records", len(records), "fetched_at", fetchedAt)
	return nil
}

// Load retrieves the persisted dataset. Returns ErrNoSnapshot when the key
// does not exist.
func (s *SnapshotStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNoSnapshot
		}
		if s.OnError != nil {
			s.OnError()
		}
		return nil, fmt.Errorf("snapshot: load: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		if s.OnError != nil {
			s.OnError()
		}
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &snap, nil
}

// Clear removes the persisted snapshot.
func (s *SnapshotStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, snapshotKey).Err()
}

// Ping probes the underlying Redis connection.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
