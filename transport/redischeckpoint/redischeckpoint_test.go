package redischeckpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/transport"
)

func testID(partition string) transport.CheckpointID {
	return transport.CheckpointID{Namespace: "events", Resource: "orders", ConsumerGroup: "$default", PartitionID: partition}
}

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New(transport.Connection{Name: "cache", ConnectionString: "redis://" + mr.Addr() + "/0"}, "checkpoints")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestOptions(t *testing.T) {
	opts, err := Options(transport.Connection{ConnectionString: "redis://user:pw@localhost:6380/2"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", opts.Addr)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)

	opts, err = Options(transport.Connection{Namespace: "redis.internal:6379", Credential: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Empty(t, opts.Username)

	_, err = Options(transport.Connection{Name: "cache", ConnectionString: "http://nope"})
	assert.True(t, errspkg.IsConfigurationError(err))
}

func TestNewValidation(t *testing.T) {
	_, err := New(transport.Connection{Namespace: "localhost:6379"}, "")
	assert.ErrorIs(t, err, errspkg.ErrResourceRequired)
	_, err = NewWithClient(nil, "checkpoints")
	assert.ErrorIs(t, err, errspkg.ErrClientRequired)
}

func TestEnsureContainer(t *testing.T) {
	store, mr := newStore(t)
	require.NoError(t, store.EnsureContainer(context.Background()))

	mr.Close()
	assert.ErrorContains(t, store.EnsureContainer(context.Background()), "redis ping")
}

func TestCheckpointRoundTrip(t *testing.T) {
	store, mr := newStore(t)
	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, found, err := store.GetCheckpoint(ctx, testID("0"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.UpdateCheckpoint(ctx, transport.Checkpoint{CheckpointID: testID("0"), SequenceNumber: 12, Offset: "1200"}))
	require.NoError(t, store.UpdateCheckpoint(ctx, transport.Checkpoint{CheckpointID: testID("1"), SequenceNumber: 3, Offset: "300"}))
	require.NoError(t, store.UpdateCheckpoint(ctx, transport.Checkpoint{CheckpointID: testID("0"), SequenceNumber: 13, Offset: "1300"}))

	cp, found, err := store.GetCheckpoint(ctx, testID("0"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(13), cp.SequenceNumber)
	assert.Equal(t, "1300", cp.Offset)
	assert.Equal(t, now, cp.UpdatedAt)

	assert.Equal(t, "300", mr.HGet("checkpoints:events/orders/$default/checkpoint/1", "offset"))
}

func TestGetCheckpointRejectsCorruptHash(t *testing.T) {
	store, mr := newStore(t)
	mr.HSet("checkpoints:"+testID("0").Path(), "sequence_number", "twelve")

	_, _, err := store.GetCheckpoint(context.Background(), testID("0"))
	assert.ErrorContains(t, err, "invalid sequence number")
}

func TestNewWithClientUsesGivenClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewWithClient(client, "cp")
	require.NoError(t, err)

	require.NoError(t, store.UpdateCheckpoint(context.Background(), transport.Checkpoint{CheckpointID: testID("2"), SequenceNumber: 1, Offset: "1"}))
	assert.True(t, mr.Exists("cp:"+testID("2").Path()))
	require.NoError(t, store.Close())
}
