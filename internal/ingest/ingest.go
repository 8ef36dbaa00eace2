// Package ingest implements the transactional acceptance path for submitted
// batches: verify the lease, filter records against config and lease,
// rebind identities on first confirmed metadata, persist, release.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berserksystems/instrumentality/internal/log"
	"github.com/berserksystems/instrumentality/internal/queue"
	"github.com/berserksystems/instrumentality/internal/record"
	"github.com/berserksystems/instrumentality/internal/registry"
	"github.com/berserksystems/instrumentality/internal/store"
)

var (
	// ErrEmptyBatch is returned when the submission carries no records.
	ErrEmptyBatch = errors.New("no data was submitted")
	// ErrInvalidLease is returned when the claimed queue_id does not name a
	// lease held by the submitter.
	ErrInvalidLease = errors.New("invalid queue ID")
	// ErrNoValidData is returned when verification drops every record, or
	// the transaction fails to commit.
	ErrNoValidData = errors.New("no valid data was submitted")
)

// Submit runs the full ingestion pipeline for one batch. All effects are
// atomic: either the surviving records are persisted and the lease resolved,
// or nothing happened and the lease (if any) remains held for the sweeper.
func Submit(ctx context.Context, s *store.Store, policy record.TypePolicy, operator string, batch record.Batch) error {
	logger := log.WithComponentFromContext(ctx, "ingest")

	if len(batch.Data) == 0 {
		return ErrEmptyBatch
	}

	// Cheap pre-check outside the transaction so an obviously bad lease is
	// rejected before any work.
	if batch.QueueID != nil {
		entry, err := queue.FindLeased(ctx, s.DB(), *batch.QueueID, operator)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrInvalidLease
		}
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	batch = batch.Tag(operator, time.Now().UTC()).VerifyForConfig(policy)
	if len(batch.Data) == 0 {
		return ErrNoValidData
	}

	if batch.QueueID != nil {
		// Re-fetch under the transaction: the sweeper may have reclaimed
		// the lease between the pre-check and here.
		entry, err := queue.FindLeased(ctx, tx, *batch.QueueID, operator)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrInvalidLease
		}

		batch = batch.VerifyForQueue(entry.Platform, entry.PlatformID, entry.ConfirmedID)
		if len(batch.Data) == 0 {
			return ErrNoValidData
		}

		info := batch.Info()
		ok, err := queue.Process(ctx, tx, *batch.QueueID, info.PlatformID, info.Platform,
			operator, info.Username, registry.RebindProfile)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoValidData
		}
	}

	if err := record.InsertAll(ctx, tx, batch.Data); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		logger.Warn().Err(err).Str("event", "ingest.commit_failed").Msg("batch rejected at commit")
		return ErrNoValidData
	}

	logger.Info().
		Str("event", "ingest.accepted").
		Int("records", len(batch.Data)).
		Msg("batch accepted")
	return nil
}
