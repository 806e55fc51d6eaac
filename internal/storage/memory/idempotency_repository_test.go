package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/storage/memory"
)

func idemKey(subject, value string) domain.IdempotencyKey {
	return domain.IdempotencyKey{Subject: subject, Value: value}
}

func TestIdempotencyRepository_CreateAndGet(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(ctx, idemKey("alice", "key-1"), "hash-1", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	got, err := repo.Get(ctx, idemKey("alice", "key-1"))
	require.NoError(t, err)
	require.Equal(t, "hash-1", got.RequestHash)
	require.True(t, got.TTLAt.Equal(ttl))

	_, err = repo.Get(ctx, idemKey("bob", "key-1"))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_KeysAreScopedBySubject(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	ttl := time.Now().UTC().Add(time.Hour)

	_, err := repo.CreateProcessing(ctx, idemKey("alice", "key-2"), "hash-a", ttl)
	require.NoError(t, err)

	_, err = repo.CreateProcessing(ctx, idemKey("alice", "key-2"), "hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	_, err = repo.CreateProcessing(ctx, idemKey("alice", "key-2"), "hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	_, err = repo.CreateProcessing(ctx, idemKey("bob", "key-2"), "hash-b", ttl)
	require.NoError(t, err, "same value from another customer is a separate key")
}

func TestIdempotencyRepository_Validation(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()

	_, err := repo.CreateProcessing(ctx, idemKey("alice", ""), "hash", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.CreateProcessing(ctx, idemKey("", "key"), "hash", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencySubjectRequired)
	_, err = repo.CreateProcessing(ctx, idemKey("alice", "key"), " ", time.Time{})
	require.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
	require.ErrorIs(t, repo.MarkDone(ctx, idemKey("alice", "missing"), nil, 201), domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_ExpiredKeyCanBeReused(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	key := idemKey("alice", "key-3")

	_, err := repo.CreateProcessing(ctx, key, "hash-old", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.MarkDone(ctx, key, []byte(`{"id":"o-1"}`), 201))

	_, err = repo.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	fresh, err := repo.CreateProcessing(ctx, key, "hash-new", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, fresh.Status)
	require.Empty(t, fresh.ResponseBody)
}

func TestIdempotencyRepository_MarkDoneAndDeleteExpired(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, ttl := range []time.Duration{-3 * time.Minute, -2 * time.Minute, -time.Minute} {
		_, err := repo.CreateProcessing(ctx, idemKey("alice", "expired-"+string(rune('a'+i))), "hash", now.Add(ttl))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing(ctx, idemKey("alice", "active"), "hash-active", now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, repo.MarkDone(ctx, idemKey("alice", "active"), []byte(`{"ok":true}`), 201))
	active, err := repo.Get(ctx, idemKey("alice", "active"))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, active.Status)
	require.Equal(t, 201, active.HTTPStatus)

	removed, err := repo.DeleteExpired(ctx, now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get(ctx, idemKey("alice", "active"))
	require.NoError(t, err)
}
