// Package record defines the observation record model: the tagged variant
// for presence, content and profile metadata, the submission batch, and the
// validators the ingestion pipeline runs before anything is persisted.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the record variant.
type Kind string

const (
	KindPresence Kind = "presence"
	KindContent  Kind = "content"
	KindMeta     Kind = "meta"
)

// Timestamp is either a single instant or a [start, end] span.
type Timestamp struct {
	Start time.Time
	End   *time.Time
}

// MarshalJSON renders an instant as a bare RFC 3339 string and a span as a
// two-element array, matching the external wire shape.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.End == nil {
		return json.Marshal(t.Start)
	}
	return json.Marshal([2]time.Time{t.Start, *t.End})
}

// UnmarshalJSON accepts both shapes.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var instant time.Time
	if err := json.Unmarshal(b, &instant); err == nil {
		t.Start = instant
		t.End = nil
		return nil
	}
	var span [2]time.Time
	if err := json.Unmarshal(b, &span); err != nil {
		return fmt.Errorf("timestamp must be an instant or a [start, end] span")
	}
	t.Start = span[0]
	end := span[1]
	t.End = &end
	return nil
}

// Record is one observation about a platform profile. Exactly one variant's
// fields are populated; Kind says which. The wire shape is untagged and is
// discriminated by field presence (see MarshalJSON/UnmarshalJSON).
type Record struct {
	Kind Kind

	// Shared by all variants.
	ID          string
	Platform    string
	RetrievedAt time.Time
	AddedBy     string
	AddedAt     *time.Time

	// Presence.
	PresenceType string

	// Content.
	ContentType   string
	ContentID     string
	Deleted       *bool
	RetrievedFrom *string
	CreatedAt     *Timestamp
	Body          *string
	Media         []string
	References    map[string]string

	// Meta. References and the shared fields are reused above.
	Username       string
	Private        bool
	Banned         bool
	DisplayName    *string
	ProfilePicture *string
	Bio            *string
	Verified       *bool
	Link           *string
}

type presenceJSON struct {
	ID           string     `json:"id"`
	Platform     string     `json:"platform"`
	PresenceType string     `json:"presence_type"`
	RetrievedAt  time.Time  `json:"retrieved_at"`
	AddedBy      string     `json:"added_by,omitempty"`
	AddedAt      *time.Time `json:"added_at,omitempty"`
}

type contentJSON struct {
	ID            string            `json:"id"`
	Platform      string            `json:"platform"`
	ContentType   string            `json:"content_type"`
	RetrievedAt   time.Time         `json:"retrieved_at"`
	ContentID     string            `json:"content_id"`
	Deleted       *bool             `json:"deleted,omitempty"`
	RetrievedFrom *string           `json:"retrieved_from,omitempty"`
	CreatedAt     *Timestamp        `json:"created_at,omitempty"`
	Body          *string           `json:"body,omitempty"`
	Media         []string          `json:"media,omitempty"`
	References    map[string]string `json:"references,omitempty"`
	AddedBy       string            `json:"added_by,omitempty"`
	AddedAt       *time.Time        `json:"added_at,omitempty"`
}

type metaJSON struct {
	ID             string            `json:"id"`
	Platform       string            `json:"platform"`
	Username       string            `json:"username"`
	Private        bool              `json:"private"`
	Banned         bool              `json:"banned"`
	RetrievedAt    time.Time         `json:"retrieved_at"`
	DisplayName    *string           `json:"display_name,omitempty"`
	ProfilePicture *string           `json:"profile_picture,omitempty"`
	Bio            *string           `json:"bio,omitempty"`
	Verified       *bool             `json:"verified,omitempty"`
	References     map[string]string `json:"references,omitempty"`
	Link           *string           `json:"link,omitempty"`
	AddedBy        string            `json:"added_by,omitempty"`
	AddedAt        *time.Time        `json:"added_at,omitempty"`
}

// MarshalJSON emits the untagged external shape for the record's variant.
func (r Record) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindPresence:
		return json.Marshal(presenceJSON{
			ID:           r.ID,
			Platform:     r.Platform,
			PresenceType: r.PresenceType,
			RetrievedAt:  r.RetrievedAt,
			AddedBy:      r.AddedBy,
			AddedAt:      r.AddedAt,
		})
	case KindContent:
		return json.Marshal(contentJSON{
			ID:            r.ID,
			Platform:      r.Platform,
			ContentType:   r.ContentType,
			RetrievedAt:   r.RetrievedAt,
			ContentID:     r.ContentID,
			Deleted:       r.Deleted,
			RetrievedFrom: r.RetrievedFrom,
			CreatedAt:     r.CreatedAt,
			Body:          r.Body,
			Media:         r.Media,
			References:    r.References,
			AddedBy:       r.AddedBy,
			AddedAt:       r.AddedAt,
		})
	case KindMeta:
		return json.Marshal(metaJSON{
			ID:             r.ID,
			Platform:       r.Platform,
			Username:       r.Username,
			Private:        r.Private,
			Banned:         r.Banned,
			RetrievedAt:    r.RetrievedAt,
			DisplayName:    r.DisplayName,
			ProfilePicture: r.ProfilePicture,
			Bio:            r.Bio,
			Verified:       r.Verified,
			References:     r.References,
			Link:           r.Link,
			AddedBy:        r.AddedBy,
			AddedAt:        r.AddedAt,
		})
	default:
		return nil, fmt.Errorf("record has unknown kind %q", r.Kind)
	}
}

// UnmarshalJSON discriminates the variant by field presence: presence_type
// marks a presence record, content_type marks content, and a record with
// neither must carry the required meta fields username, private and banned.
func (r *Record) UnmarshalJSON(b []byte) error {
	var probe struct {
		ID           *string    `json:"id"`
		Platform     *string    `json:"platform"`
		RetrievedAt  *time.Time `json:"retrieved_at"`
		PresenceType *string    `json:"presence_type"`
		ContentType  *string    `json:"content_type"`
		Username     *string    `json:"username"`
		Private      *bool      `json:"private"`
		Banned       *bool      `json:"banned"`
		ContentID    *string    `json:"content_id"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	if probe.ID == nil || probe.Platform == nil || probe.RetrievedAt == nil {
		return fmt.Errorf("record requires id, platform and retrieved_at")
	}

	switch {
	case probe.PresenceType != nil:
		var p presenceJSON
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*r = Record{
			Kind:         KindPresence,
			ID:           p.ID,
			Platform:     p.Platform,
			PresenceType: p.PresenceType,
			RetrievedAt:  p.RetrievedAt,
			AddedBy:      p.AddedBy,
			AddedAt:      p.AddedAt,
		}
		return nil
	case probe.ContentType != nil:
		if probe.ContentID == nil {
			return fmt.Errorf("content record requires content_id")
		}
		var c contentJSON
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		*r = Record{
			Kind:          KindContent,
			ID:            c.ID,
			Platform:      c.Platform,
			ContentType:   c.ContentType,
			RetrievedAt:   c.RetrievedAt,
			ContentID:     c.ContentID,
			Deleted:       c.Deleted,
			RetrievedFrom: c.RetrievedFrom,
			CreatedAt:     c.CreatedAt,
			Body:          c.Body,
			Media:         c.Media,
			References:    c.References,
			AddedBy:       c.AddedBy,
			AddedAt:       c.AddedAt,
		}
		return nil
	case probe.Username != nil && probe.Private != nil && probe.Banned != nil:
		var m metaJSON
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		*r = Record{
			Kind:           KindMeta,
			ID:             m.ID,
			Platform:       m.Platform,
			Username:       m.Username,
			Private:        m.Private,
			Banned:         m.Banned,
			RetrievedAt:    m.RetrievedAt,
			DisplayName:    m.DisplayName,
			ProfilePicture: m.ProfilePicture,
			Bio:            m.Bio,
			Verified:       m.Verified,
			References:     m.References,
			Link:           m.Link,
			AddedBy:        m.AddedBy,
			AddedAt:        m.AddedAt,
		}
		return nil
	default:
		return fmt.Errorf("record matches no variant: need presence_type, content_type, or username/private/banned")
	}
}
