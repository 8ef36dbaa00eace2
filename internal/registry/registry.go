// Package registry manages subjects (owner-scoped bundles of platform
// profiles) and groups (owner-scoped sets of subjects). Every profile a
// subject holds is mirrored by a reference on the corresponding queue entry;
// registry mutations and their queue updates run in one transaction.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/berserksystems/instrumentality/internal/queue"
	"github.com/berserksystems/instrumentality/internal/store"
)

var (
	// ErrConflict is returned on an (owner, name) uniqueness violation.
	ErrConflict = errors.New("name already exists")
	// ErrNotFound is returned when a subject or group does not exist or is
	// not owned by the caller.
	ErrNotFound = errors.New("not found")
	// ErrUnknownPlatform is returned when a profile names a platform the
	// config does not know.
	ErrUnknownPlatform = errors.New("unsupported platform")
	// ErrUnknownSubject is returned when a group references a subject that
	// does not exist.
	ErrUnknownSubject = errors.New("unknown subject")
)

// PlatformPolicy answers whether a platform is configured. Satisfied by
// *config.Config.
type PlatformPolicy interface {
	ValidPlatform(platform string) bool
}

// Subject is an operator-owned named bundle of profiles under observation.
// Profiles maps platform name to an ordered sequence of platform
// identifiers, each either a confirmed platform ID or a provisional
// username.
type Subject struct {
	UUID        string              `json:"uuid"`
	CreatedAt   time.Time           `json:"created_at"`
	CreatedBy   string              `json:"created_by"`
	Name        string              `json:"name"`
	Profiles    map[string][]string `json:"profiles"`
	Description *string             `json:"description"`
}

// Group is an operator-owned named set of subject identifiers.
type Group struct {
	UUID        string    `json:"uuid"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
	Name        string    `json:"name"`
	Subjects    []string  `json:"subjects"`
	Description *string   `json:"description"`
}

// pair is one (platform, id) profile occurrence.
type pair struct {
	platform string
	id       string
}

func profilePairs(profiles map[string][]string) []pair {
	var pairs []pair
	for platform, ids := range profiles {
		for _, id := range ids {
			pairs = append(pairs, pair{platform: platform, id: id})
		}
	}
	return pairs
}

// CreateSubject builds and persists a subject, registering a queue reference
// for every profile. Caller supplies the transaction.
func CreateSubject(ctx context.Context, tx store.Querier, policy PlatformPolicy, owner, name string, profiles map[string][]string, description *string) (Subject, error) {
	for platform := range profiles {
		if !policy.ValidPlatform(platform) {
			return Subject{}, ErrUnknownPlatform
		}
	}

	subject := Subject{
		UUID:        uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   owner,
		Name:        name,
		Profiles:    profiles,
		Description: description,
	}
	if err := insertSubject(ctx, tx, subject); err != nil {
		return Subject{}, err
	}

	for _, p := range profilePairs(profiles) {
		if err := queue.Add(ctx, tx, p.id, p.platform, false); err != nil {
			return Subject{}, err
		}
	}
	return subject, nil
}

// UpdateSubject rewrites a subject's fields, adjusting queue references by
// the set difference of old and new profile pairs.
func UpdateSubject(ctx context.Context, tx store.Querier, owner, subjectUUID, name string, profiles map[string][]string, description *string) error {
	existing, err := FindSubject(ctx, tx, subjectUUID, owner)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}

	oldPairs := profilePairs(existing.Profiles)
	newPairs := profilePairs(profiles)

	for _, p := range newPairs {
		if !containsPair(oldPairs, p) {
			if err := queue.Add(ctx, tx, p.id, p.platform, false); err != nil {
				return err
			}
		}
	}
	for _, p := range oldPairs {
		if !containsPair(newPairs, p) {
			if err := queue.Remove(ctx, tx, p.id, p.platform); err != nil {
				return err
			}
		}
	}

	profilesJSON, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
	UPDATE subjects SET name = ?, profiles = ?, description = ?
	WHERE uuid = ? AND created_by = ?
	`, name, string(profilesJSON), nullable(description), subjectUUID, owner)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update subject: %w", err)
	}
	return nil
}

// DeleteSubject removes a subject, drops its queue references and pulls its
// identifier from every group containing it.
func DeleteSubject(ctx context.Context, tx store.Querier, owner, subjectUUID string) error {
	existing, err := FindSubject(ctx, tx, subjectUUID, owner)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subjects WHERE uuid = ? AND created_by = ?`, subjectUUID, owner); err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}

	for _, p := range profilePairs(existing.Profiles) {
		if err := queue.Remove(ctx, tx, p.id, p.platform); err != nil {
			return err
		}
	}

	return pullSubjectFromGroups(ctx, tx, subjectUUID)
}

func containsPair(pairs []pair, p pair) bool {
	for _, q := range pairs {
		if q == p {
			return true
		}
	}
	return false
}

func insertSubject(ctx context.Context, q store.Querier, s Subject) error {
	profilesJSON, err := json.Marshal(s.Profiles)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	_, err = q.ExecContext(ctx, `
	INSERT INTO subjects (uuid, created_by, created_at, name, profiles, description)
	VALUES (?, ?, ?, ?, ?, ?)
	`, s.UUID, s.CreatedBy, s.CreatedAt.UnixNano(), s.Name, string(profilesJSON), nullable(s.Description))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

// FindSubject returns the subject with the given uuid owned by owner, or nil.
func FindSubject(ctx context.Context, q store.Querier, subjectUUID, owner string) (*Subject, error) {
	const query = `
	SELECT uuid, created_by, created_at, name, profiles, description
	FROM subjects WHERE uuid = ? AND created_by = ?
	`
	return scanSubject(q.QueryRowContext(ctx, query, subjectUUID, owner))
}

// SubjectExists reports whether any operator owns a subject with the uuid.
func SubjectExists(ctx context.Context, q store.Querier, subjectUUID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM subjects WHERE uuid = ?`, subjectUUID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("subject exists: %w", err)
	}
	return true, nil
}

// ListSubjects returns every subject owned by the operator.
func ListSubjects(ctx context.Context, q store.Querier, owner string) ([]Subject, error) {
	const query = `
	SELECT uuid, created_by, created_at, name, profiles, description
	FROM subjects WHERE created_by = ? ORDER BY created_at
	`
	rows, err := q.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSubjects(rows)
}

// FindSubjects resolves a set of subject uuids, skipping unknown ones.
func FindSubjects(ctx context.Context, q store.Querier, uuids []string) ([]Subject, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(uuids)), ", ")
	query := fmt.Sprintf(`
	SELECT uuid, created_by, created_at, name, profiles, description
	FROM subjects WHERE uuid IN (%s)
	`, placeholders)
	args := make([]any, len(uuids))
	for i, u := range uuids {
		args[i] = u
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find subjects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSubjects(rows)
}

func collectSubjects(rows *sql.Rows) ([]Subject, error) {
	var subjects []Subject
	for rows.Next() {
		s, err := scanSubjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, *s)
	}
	return subjects, rows.Err()
}

func scanSubject(row *sql.Row) (*Subject, error) {
	s, err := scanSubjectRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func scanSubjectRow(scan func(dest ...any) error) (*Subject, error) {
	var s Subject
	var createdAt int64
	var profilesJSON string
	var description sql.NullString
	if err := scan(&s.UUID, &s.CreatedBy, &createdAt, &s.Name, &profilesJSON, &description); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(profilesJSON), &s.Profiles); err != nil {
		return nil, fmt.Errorf("unmarshal profiles: %w", err)
	}
	if description.Valid {
		s.Description = &description.String
	}
	return &s, nil
}

// RebindProfile rewrites the first occurrence of oldID under the platform to
// newID in every subject containing it. Passed to queue.Process as the
// rebind callback.
func RebindProfile(ctx context.Context, q store.Querier, platform, oldID, newID string) error {
	rows, err := q.QueryContext(ctx,
		`SELECT uuid, profiles FROM subjects WHERE profiles LIKE '%' || ? || '%'`, oldID)
	if err != nil {
		return fmt.Errorf("scan subjects for rebind: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type update struct {
		uuid     string
		profiles string
	}
	var updates []update
	for rows.Next() {
		var subjectUUID, profilesJSON string
		if err := rows.Scan(&subjectUUID, &profilesJSON); err != nil {
			return err
		}
		var profiles map[string][]string
		if err := json.Unmarshal([]byte(profilesJSON), &profiles); err != nil {
			return fmt.Errorf("unmarshal profiles: %w", err)
		}
		for i, id := range profiles[platform] {
			if id == oldID {
				profiles[platform][i] = newID
				rewritten, err := json.Marshal(profiles)
				if err != nil {
					return fmt.Errorf("marshal profiles: %w", err)
				}
				updates = append(updates, update{uuid: subjectUUID, profiles: string(rewritten)})
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := q.ExecContext(ctx,
			`UPDATE subjects SET profiles = ? WHERE uuid = ?`, u.profiles, u.uuid); err != nil {
			return fmt.Errorf("rebind subject profile: %w", err)
		}
	}
	return nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
