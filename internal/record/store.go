package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/berserksystems/instrumentality/internal/store"
)

// InsertAll appends records to the data collection. Runs under the caller's
// transaction during ingestion.
func InsertAll(ctx context.Context, q store.Querier, records []Record) error {
	const query = `
	INSERT INTO data (id, platform, kind, username, retrieved_at, added_by, added_at, doc)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		var username sql.NullString
		if r.Kind == KindMeta {
			username = sql.NullString{String: r.Username, Valid: true}
		}
		var addedAt int64
		if r.AddedAt != nil {
			addedAt = r.AddedAt.UnixNano()
		}
		if _, err := q.ExecContext(ctx, query,
			r.ID, r.Platform, string(r.Kind), username,
			r.RetrievedAt.UnixNano(), r.AddedBy, addedAt, string(doc),
		); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return nil
}

// LatestMetaUsername returns the username of the most recently retrieved meta
// record for (id, platform), or false when none exists.
func LatestMetaUsername(ctx context.Context, q store.Querier, platformID, platform string) (string, bool, error) {
	const query = `
	SELECT username FROM data
	WHERE id = ? AND platform = ? AND kind = 'meta'
	ORDER BY retrieved_at DESC
	LIMIT 1
	`
	var username string
	err := q.QueryRowContext(ctx, query, platformID, platform).Scan(&username)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query username: %w", err)
	}
	return username, true, nil
}

// LatestMeta returns the most recent meta record for (id, platform), or nil.
func LatestMeta(ctx context.Context, q store.Querier, platformID, platform string) (*Record, error) {
	const query = `
	SELECT doc FROM data
	WHERE id = ? AND platform = ? AND kind = 'meta'
	ORDER BY retrieved_at DESC
	LIMIT 1
	`
	var doc string
	err := q.QueryRowContext(ctx, query, platformID, platform).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	var r Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return &r, nil
}

// ListByKind returns up to limit records of one kind for (id, platform),
// newest first.
func ListByKind(ctx context.Context, q store.Querier, platformID, platform string, kind Kind, limit int) ([]Record, error) {
	const query = `
	SELECT doc FROM data
	WHERE id = ? AND platform = ? AND kind = ?
	ORDER BY retrieved_at DESC
	LIMIT ?
	`
	rows, err := q.QueryContext(ctx, query, platformID, platform, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
