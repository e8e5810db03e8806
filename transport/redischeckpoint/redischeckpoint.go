// Package redischeckpoint stores partitioned log checkpoints in Redis. The
// container is a key prefix; each partition is one hash.
package redischeckpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/transport"
)

const (
	fieldSequenceNumber = "sequence_number"
	fieldOffset         = "offset"
	fieldUpdatedAt      = "updated_at"

	pingTimeout = 2 * time.Second
)

// Store implements transport.CheckpointStore on a Redis client it owns.
type Store struct {
	client    redis.UniversalClient
	container string
	now       func() time.Time
}

var _ transport.CheckpointStore = (*Store)(nil)

// Options parses a Redis connection. A connection string is a redis:// or
// rediss:// URL; a namespace is host:port and its credential, when set, is a
// password or user:password.
func Options(conn transport.Connection) (*redis.Options, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	if conn.ConnectionString != "" {
		opts, err := redis.ParseURL(conn.ConnectionString)
		if err != nil {
			return nil, errspkg.NewConfigurationError(conn.Identity(), "invalid redis url: %v", err)
		}
		return opts, nil
	}

	opts := &redis.Options{Addr: strings.TrimSpace(conn.Namespace)}
	if conn.Credential != "" {
		if user, password, ok := strings.Cut(conn.Credential, ":"); ok {
			opts.Username, opts.Password = user, password
		} else {
			opts.Password = conn.Credential
		}
	}
	return opts, nil
}

// New connects to Redis for the given connection.
func New(conn transport.Connection, container string) (*Store, error) {
	if container == "" {
		return nil, errspkg.ErrResourceRequired
	}
	opts, err := Options(conn)
	if err != nil {
		return nil, err
	}
	return NewWithClient(redis.NewClient(opts), container)
}

// NewWithClient wraps an existing client. The store closes it in Close.
func NewWithClient(client redis.UniversalClient, container string) (*Store, error) {
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if container == "" {
		return nil, errspkg.ErrResourceRequired
	}
	return &Store{client: client, container: container, now: time.Now}, nil
}

// EnsureContainer checks that Redis is reachable. Key prefixes need no
// creation.
func (s *Store) EnsureContainer(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) key(id transport.CheckpointID) string {
	return s.container + ":" + id.Path()
}

func (s *Store) GetCheckpoint(ctx context.Context, id transport.CheckpointID) (transport.Checkpoint, bool, error) {
	key := s.key(id)
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return transport.Checkpoint{}, false, nil
		}
		return transport.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	if len(values) == 0 {
		return transport.Checkpoint{}, false, nil
	}

	seq, err := strconv.ParseInt(values[fieldSequenceNumber], 10, 64)
	if err != nil {
		return transport.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: invalid sequence number: %w", key, err)
	}
	cp := transport.Checkpoint{
		CheckpointID:   id,
		SequenceNumber: seq,
		Offset:         values[fieldOffset],
	}
	if raw := values[fieldUpdatedAt]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			cp.UpdatedAt = ts
		}
	}
	return cp, true, nil
}

func (s *Store) UpdateCheckpoint(ctx context.Context, cp transport.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	key := s.key(cp.CheckpointID)
	err := s.client.HSet(ctx, key,
		fieldSequenceNumber, strconv.FormatInt(cp.SequenceNumber, 10),
		fieldOffset, cp.Offset,
		fieldUpdatedAt, cp.UpdatedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
