package ingest_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserksystems/instrumentality/internal/ingest"
	"github.com/berserksystems/instrumentality/internal/queue"
	"github.com/berserksystems/instrumentality/internal/record"
	"github.com/berserksystems/instrumentality/internal/registry"
	"github.com/berserksystems/instrumentality/internal/store"
)

// policy allows the twitter platform with one type of each kind.
type policy struct{}

func (policy) ValidPresenceType(platform, presenceType string) bool {
	return platform == "twitter" && presenceType == "follower_count_increase"
}

func (policy) ValidContentType(platform, contentType string) bool {
	return platform == "twitter" && contentType == "tweet"
}

func (policy) ValidPlatform(platform string) bool {
	return platform == "twitter"
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countData(t *testing.T, s *store.Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM data`).Scan(&n))
	return n
}

func presenceRecord(id string) record.Record {
	return record.Record{
		Kind:         record.KindPresence,
		ID:           id,
		Platform:     "twitter",
		PresenceType: "follower_count_increase",
		RetrievedAt:  time.Now().UTC(),
	}
}

func metaRecord(id, username string) record.Record {
	return record.Record{
		Kind:        record.KindMeta,
		ID:          id,
		Platform:    "twitter",
		Username:    username,
		RetrievedAt: time.Now().UTC(),
	}
}

func TestSubmit_WithoutLease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := ingest.Submit(ctx, s, policy{}, "op-1", record.Batch{
		Data: []record.Record{presenceRecord("123456")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countData(t, s))
}

func TestSubmit_EmptyBatch(t *testing.T) {
	s := newStore(t)
	err := ingest.Submit(context.Background(), s, policy{}, "op-1", record.Batch{})
	assert.ErrorIs(t, err, ingest.ErrEmptyBatch)
}

func TestSubmit_AllRecordsRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	bad := record.Record{
		Kind:         record.KindPresence,
		ID:           "123456",
		Platform:     "myspace",
		PresenceType: "live",
		RetrievedAt:  time.Now().UTC(),
	}
	err := ingest.Submit(ctx, s, policy{}, "op-1", record.Batch{Data: []record.Record{bad}})
	assert.ErrorIs(t, err, ingest.ErrNoValidData)
	assert.Equal(t, 0, countData(t, s))
}

func TestSubmit_InvalidLease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	queueID := "not-a-lease"
	err := ingest.Submit(ctx, s, policy{}, "op-1", record.Batch{
		QueueID: &queueID,
		Data:    []record.Record{presenceRecord("123456")},
	})
	assert.ErrorIs(t, err, ingest.ErrInvalidLease)
	assert.Equal(t, 0, countData(t, s))
}

func TestSubmit_LeaseHeldByAnother(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, queue.Add(ctx, s.DB(), "123456", "twitter", true))
	entry, err := queue.Lease(ctx, s.DB(), "op-1", []string{"twitter"})
	require.NoError(t, err)
	require.NotNil(t, entry)

	err = ingest.Submit(ctx, s, policy{}, "op-2", record.Batch{
		QueueID: &entry.QueueID,
		Data:    []record.Record{presenceRecord("123456")},
	})
	assert.ErrorIs(t, err, ingest.ErrInvalidLease)
}

func TestSubmit_CompletesLease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, queue.Add(ctx, s.DB(), "123456", "twitter", true))
	entry, err := queue.Lease(ctx, s.DB(), "op-1", []string{"twitter"})
	require.NoError(t, err)
	require.NotNil(t, entry)

	err = ingest.Submit(ctx, s, policy{}, "op-1", record.Batch{
		QueueID: &entry.QueueID,
		Data: []record.Record{
			presenceRecord("123456"),
			presenceRecord("999"), // wrong profile, dropped
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countData(t, s))

	after, err := queue.Find(ctx, s.DB(), "123456", "twitter")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Nil(t, after.LeaseHolder)
	assert.False(t, after.LastProcessed.IsZero())
}

func TestSubmit_RebindsProvisionalUsername(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Subject created against a provisional username.
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	subject, err := registry.CreateSubject(ctx, tx, policy{}, "owner-1", "target",
		map[string][]string{"twitter": {"somebody"}}, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	entry, err := queue.Lease(ctx, s.DB(), "op-1", []string{"twitter"})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "somebody", entry.PlatformID)
	assert.False(t, entry.ConfirmedID)

	// The provider reports the confirmed platform id via a meta record.
	err = ingest.Submit(ctx, s, policy{}, "op-1", record.Batch{
		QueueID: &entry.QueueID,
		Data: []record.Record{
			metaRecord("123456", "somebody"),
			presenceRecord("123456"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countData(t, s))

	// Queue entry is rebound to the confirmed id.
	old, err := queue.Find(ctx, s.DB(), "somebody", "twitter")
	require.NoError(t, err)
	assert.Nil(t, old)
	confirmed, err := queue.Find(ctx, s.DB(), "123456", "twitter")
	require.NoError(t, err)
	require.NotNil(t, confirmed)
	assert.True(t, confirmed.ConfirmedID)

	// The subject's profile now names the confirmed id.
	found, err := registry.FindSubject(ctx, s.DB(), subject.UUID, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, []string{"123456"}, found.Profiles["twitter"])
}

func TestSubmit_ReclaimedLeaseRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, queue.Add(ctx, s.DB(), "123456", "twitter", true))
	entry, err := queue.Lease(ctx, s.DB(), "op-1", []string{"twitter"})
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Sweeper reclaims the lease before the submission lands.
	_, err = queue.SweepExpired(ctx, s.DB(), time.Now().Add(time.Second))
	require.NoError(t, err)

	err = ingest.Submit(ctx, s, policy{}, "op-1", record.Batch{
		QueueID: &entry.QueueID,
		Data:    []record.Record{presenceRecord("123456")},
	})
	assert.ErrorIs(t, err, ingest.ErrInvalidLease)
	assert.Equal(t, 0, countData(t, s))

	// The entry itself survives for the next leaser.
	var leaseHolder sql.NullString
	require.NoError(t, s.DB().QueryRow(
		`SELECT lease_holder FROM queue WHERE platform_id = '123456'`).Scan(&leaseHolder))
	assert.False(t, leaseHolder.Valid)
}
