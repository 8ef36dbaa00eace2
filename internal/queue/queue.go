// Package queue implements the per-profile work queue: reference-counted
// entries keyed by (platform, platform_id), lease-based locking so each
// profile is refreshed by exactly one provider at a time, and the identity
// rebinding that collapses a provisional username into a confirmed platform
// ID without losing in-flight work.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/berserksystems/instrumentality/internal/store"
)

// Entry is one queue document. LeaseHolder and LeaseAcquiredAt are either
// both set or both unset.
type Entry struct {
	QueueID         string
	Platform        string
	PlatformID      string
	LastProcessed   time.Time
	LeaseHolder     *string
	LeaseAcquiredAt *time.Time
	References      uint64
	ConfirmedID     bool
}

// RebindFunc rewrites subject profiles during identity rebinding: every
// occurrence of oldID under the platform becomes newID. The registry
// supplies the implementation; the indirection keeps queue free of a
// dependency on subject storage.
type RebindFunc func(ctx context.Context, q store.Querier, platform, oldID, newID string) error

const entryColumns = `queue_id, platform, platform_id, last_processed, lease_holder, lease_acquired_at, refs, confirmed_id`

func scanEntry(scan func(dest ...any) error) (*Entry, error) {
	var e Entry
	var lastProcessed int64
	var leaseHolder sql.NullString
	var leaseAcquiredAt sql.NullInt64
	err := scan(&e.QueueID, &e.Platform, &e.PlatformID, &lastProcessed,
		&leaseHolder, &leaseAcquiredAt, &e.References, &e.ConfirmedID)
	if err != nil {
		return nil, err
	}
	e.LastProcessed = time.Unix(0, lastProcessed).UTC()
	if leaseHolder.Valid {
		e.LeaseHolder = &leaseHolder.String
	}
	if leaseAcquiredAt.Valid {
		t := time.Unix(0, leaseAcquiredAt.Int64).UTC()
		e.LeaseAcquiredAt = &t
	}
	return &e, nil
}

// Add registers one more reference to (platform, platformID). An existing
// entry has its count incremented; confirmed true also promotes the entry's
// confirmed_id flag. Otherwise a fresh entry is inserted with one reference
// and the epoch-zero never-processed sentinel.
func Add(ctx context.Context, q store.Querier, platformID, platform string, confirmed bool) error {
	res, err := q.ExecContext(ctx, `
	UPDATE queue SET refs = refs + 1,
		confirmed_id = CASE WHEN ? THEN 1 ELSE confirmed_id END
	WHERE platform = ? AND platform_id = ?
	`, confirmed, platform, platformID)
	if err != nil {
		return fmt.Errorf("increment queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO queue (queue_id, platform, platform_id, last_processed, lease_holder, lease_acquired_at, refs, confirmed_id)
	VALUES (?, ?, ?, 0, NULL, NULL, 1, ?)
	`, uuid.NewString(), platform, platformID, confirmed)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// Remove drops one reference from (platform, platformID). The entry is
// deleted only when the last reference goes; the refs = 1 predicate on the
// DELETE makes the decision atomic.
func Remove(ctx context.Context, q store.Querier, platformID, platform string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM queue WHERE platform = ? AND platform_id = ? AND refs = 1`,
		platform, platformID)
	if err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	_, err = q.ExecContext(ctx,
		`UPDATE queue SET refs = refs - 1 WHERE platform = ? AND platform_id = ?`,
		platform, platformID)
	if err != nil {
		return fmt.Errorf("decrement queue entry: %w", err)
	}
	return nil
}

// Lease atomically claims the coldest unleased entry on any of the requested
// platforms for the operator. Returns nil when no entry is eligible. The
// single UPDATE with a lease_holder IS NULL predicate gives test-and-set
// semantics; two concurrent leasers cannot both receive the same entry.
// Ties on last_processed break by queue_id so no entry can starve.
func Lease(ctx context.Context, q store.Querier, operator string, platforms []string) (*Entry, error) {
	if len(platforms) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(platforms)), ", ")
	query := fmt.Sprintf(`
	UPDATE queue SET lease_holder = ?, lease_acquired_at = ?
	WHERE rowid = (
		SELECT rowid FROM queue
		WHERE lease_holder IS NULL AND platform IN (%s)
		ORDER BY last_processed ASC, queue_id ASC
		LIMIT 1
	)
	RETURNING %s
	`, placeholders, entryColumns)

	args := make([]any, 0, len(platforms)+2)
	args = append(args, operator, time.Now().UTC().UnixNano())
	for _, p := range platforms {
		args = append(args, p)
	}

	entry, err := scanEntry(q.QueryRowContext(ctx, query, args...).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease queue entry: %w", err)
	}
	leasesGranted.Inc()
	return entry, nil
}

// FindLeased returns the entry with the given queue_id whose lease is held
// by the operator, or nil.
func FindLeased(ctx context.Context, q store.Querier, queueID, operator string) (*Entry, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM queue WHERE queue_id = ? AND lease_holder = ?`, entryColumns)
	entry, err := scanEntry(q.QueryRowContext(ctx, query, queueID, operator).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find leased entry: %w", err)
	}
	return entry, nil
}

// Process completes a leased job at ingestion commit time.
//
// If username names a meta observation and the lease was taken out against
// that username with an unconfirmed id, the entry is rebound: the username
// entry is removed, the confirmed platform id entry is created or merged,
// and every subject profile naming the username is rewritten via rebind.
//
// Otherwise the lease is released and last_processed advances, demoting the
// entry to the back of the queue. Returns false when the caller no longer
// holds the lease (reclaimed by the sweeper or never held).
func Process(ctx context.Context, q store.Querier, queueID, platformID, platform, operator string, username *string, rebind RebindFunc) (bool, error) {
	if username != nil {
		var one int
		err := q.QueryRowContext(ctx, `
		SELECT 1 FROM queue
		WHERE queue_id = ? AND platform = ? AND platform_id = ?
			AND lease_holder = ? AND confirmed_id = 0
		`, queueID, platform, *username, operator).Scan(&one)
		switch {
		case err == nil:
			if err := Remove(ctx, q, *username, platform); err != nil {
				return false, err
			}
			if err := Add(ctx, q, platformID, platform, true); err != nil {
				return false, err
			}
			if err := rebind(ctx, q, platform, *username, platformID); err != nil {
				return false, err
			}
			rebinds.Inc()
			return true, nil
		case err != sql.ErrNoRows:
			return false, fmt.Errorf("find rebind candidate: %w", err)
		}
	}

	res, err := q.ExecContext(ctx, `
	UPDATE queue SET lease_holder = NULL, lease_acquired_at = NULL, last_processed = ?
	WHERE queue_id = ? AND lease_holder = ?
	`, time.Now().UTC().UnixNano(), queueID, operator)
	if err != nil {
		return false, fmt.Errorf("release queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		leasesReleased.Inc()
	}
	return n == 1, nil
}

// Find returns the entry for (platform, platformID), or nil. Used by tests
// and the registry's invariant checks.
func Find(ctx context.Context, q store.Querier, platformID, platform string) (*Entry, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM queue WHERE platform = ? AND platform_id = ?`, entryColumns)
	entry, err := scanEntry(q.QueryRowContext(ctx, query, platform, platformID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find queue entry: %w", err)
	}
	return entry, nil
}
