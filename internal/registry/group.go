package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/berserksystems/instrumentality/internal/store"
)

// CreateGroup builds and persists a group. Every listed subject must exist
// at write time.
func CreateGroup(ctx context.Context, tx store.Querier, owner, name string, subjects []string, description *string) (Group, error) {
	if err := verifySubjectsExist(ctx, tx, subjects); err != nil {
		return Group{}, err
	}

	group := Group{
		UUID:        uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   owner,
		Name:        name,
		Subjects:    subjects,
		Description: description,
	}
	subjectsJSON, err := json.Marshal(group.Subjects)
	if err != nil {
		return Group{}, fmt.Errorf("marshal group subjects: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO groups (uuid, created_by, created_at, name, subjects, description)
	VALUES (?, ?, ?, ?, ?, ?)
	`, group.UUID, group.CreatedBy, group.CreatedAt.UnixNano(), group.Name, string(subjectsJSON), nullable(group.Description))
	if err != nil {
		if isUniqueViolation(err) {
			return Group{}, ErrConflict
		}
		return Group{}, fmt.Errorf("insert group: %w", err)
	}
	return group, nil
}

// UpdateGroup rewrites a group's fields. Every listed subject must exist.
func UpdateGroup(ctx context.Context, tx store.Querier, owner, groupUUID, name string, subjects []string, description *string) error {
	existing, err := findGroup(ctx, tx, groupUUID, owner)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := verifySubjectsExist(ctx, tx, subjects); err != nil {
		return err
	}

	subjectsJSON, err := json.Marshal(subjects)
	if err != nil {
		return fmt.Errorf("marshal group subjects: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
	UPDATE groups SET name = ?, subjects = ?, description = ?
	WHERE uuid = ? AND created_by = ?
	`, name, string(subjectsJSON), nullable(description), groupUUID, owner)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group. Groups hold no queue references, so only the
// document goes.
func DeleteGroup(ctx context.Context, tx store.Querier, owner, groupUUID string) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM groups WHERE uuid = ? AND created_by = ?`, groupUUID, owner)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListGroups returns every group owned by the operator.
func ListGroups(ctx context.Context, q store.Querier, owner string) ([]Group, error) {
	const query = `
	SELECT uuid, created_by, created_at, name, subjects, description
	FROM groups WHERE created_by = ? ORDER BY created_at
	`
	rows, err := q.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		g, err := scanGroupRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func findGroup(ctx context.Context, q store.Querier, groupUUID, owner string) (*Group, error) {
	const query = `
	SELECT uuid, created_by, created_at, name, subjects, description
	FROM groups WHERE uuid = ? AND created_by = ?
	`
	g, err := scanGroupRow(q.QueryRowContext(ctx, query, groupUUID, owner).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

func scanGroupRow(scan func(dest ...any) error) (*Group, error) {
	var g Group
	var createdAt int64
	var subjectsJSON string
	var description sql.NullString
	if err := scan(&g.UUID, &g.CreatedBy, &createdAt, &g.Name, &subjectsJSON, &description); err != nil {
		return nil, err
	}
	g.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(subjectsJSON), &g.Subjects); err != nil {
		return nil, fmt.Errorf("unmarshal group subjects: %w", err)
	}
	if description.Valid {
		g.Description = &description.String
	}
	return &g, nil
}

func verifySubjectsExist(ctx context.Context, q store.Querier, subjects []string) error {
	for _, s := range subjects {
		exists, err := SubjectExists(ctx, q, s)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUnknownSubject
		}
	}
	return nil
}

// pullSubjectFromGroups removes the subject identifier from every group
// containing it; called on subject deletion.
func pullSubjectFromGroups(ctx context.Context, q store.Querier, subjectUUID string) error {
	rows, err := q.QueryContext(ctx,
		`SELECT uuid, subjects FROM groups WHERE subjects LIKE '%' || ? || '%'`, subjectUUID)
	if err != nil {
		return fmt.Errorf("scan groups for pull: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type update struct {
		uuid     string
		subjects string
	}
	var updates []update
	for rows.Next() {
		var groupUUID, subjectsJSON string
		if err := rows.Scan(&groupUUID, &subjectsJSON); err != nil {
			return err
		}
		var members []string
		if err := json.Unmarshal([]byte(subjectsJSON), &members); err != nil {
			return fmt.Errorf("unmarshal group subjects: %w", err)
		}
		filtered := members[:0]
		changed := false
		for _, m := range members {
			if m == subjectUUID {
				changed = true
				continue
			}
			filtered = append(filtered, m)
		}
		if !changed {
			continue
		}
		rewritten, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("marshal group subjects: %w", err)
		}
		updates = append(updates, update{uuid: groupUUID, subjects: string(rewritten)})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := q.ExecContext(ctx,
			`UPDATE groups SET subjects = ? WHERE uuid = ?`, u.subjects, u.uuid); err != nil {
			return fmt.Errorf("pull subject from group: %w", err)
		}
	}
	return nil
}
