package record

import "time"

// TypePolicy answers whether a platform and its content/presence types are
// configured. Satisfied by *config.Config.
type TypePolicy interface {
	ValidPresenceType(platform, presenceType string) bool
	ValidContentType(platform, contentType string) bool
	ValidPlatform(platform string) bool
}

// Batch is one submission: an optional queue lease and an ordered sequence
// of records.
type Batch struct {
	QueueID *string  `json:"queue_id"`
	Data    []Record `json:"data"`
}

// Info summarizes a verified, non-empty batch. Username is non-nil iff the
// batch contains a meta record; the first meta record is authoritative.
type Info struct {
	PlatformID string
	Platform   string
	AddedBy    string
	Username   *string
}

// Tag stamps attribution onto every record. Pure transformation.
func (b Batch) Tag(operator string, now time.Time) Batch {
	tagged := make([]Record, len(b.Data))
	for i, r := range b.Data {
		r.AddedBy = operator
		at := now
		r.AddedAt = &at
		tagged[i] = r
	}
	return Batch{QueueID: b.QueueID, Data: tagged}
}

// VerifyForConfig drops records whose platform or type is not configured.
// A meta record survives if its platform is known to either type map.
func (b Batch) VerifyForConfig(policy TypePolicy) Batch {
	verified := make([]Record, 0, len(b.Data))
	for _, r := range b.Data {
		ok := false
		switch r.Kind {
		case KindPresence:
			ok = policy.ValidPresenceType(r.Platform, r.PresenceType)
		case KindContent:
			ok = policy.ValidContentType(r.Platform, r.ContentType)
		case KindMeta:
			ok = policy.ValidPlatform(r.Platform)
		}
		if ok {
			verified = append(verified, r)
		}
	}
	return Batch{QueueID: b.QueueID, Data: verified}
}

// VerifyForQueue drops records that do not belong to the leased entry. A
// record survives if its platform matches the lease and its id matches the
// leased platform_id. A meta record is also allowed to redeclare the id while
// the lease's id is unconfirmed; that is the identity rebinding path.
func (b Batch) VerifyForQueue(platform, platformID string, confirmedID bool) Batch {
	verified := make([]Record, 0, len(b.Data))
	for _, r := range b.Data {
		if r.Platform != platform {
			continue
		}
		if r.ID == platformID || (r.Kind == KindMeta && !confirmedID) {
			verified = append(verified, r)
		}
	}
	return Batch{QueueID: b.QueueID, Data: verified}
}

// Meta returns the first meta record in the batch, if any.
func (b Batch) Meta() (Record, bool) {
	for _, r := range b.Data {
		if r.Kind == KindMeta {
			return r, true
		}
	}
	return Record{}, false
}

// Info summarizes the batch. The batch must be non-empty.
func (b Batch) Info() Info {
	if meta, ok := b.Meta(); ok {
		username := meta.Username
		return Info{
			PlatformID: meta.ID,
			Platform:   meta.Platform,
			AddedBy:    meta.AddedBy,
			Username:   &username,
		}
	}
	first := b.Data[0]
	return Info{
		PlatformID: first.ID,
		Platform:   first.Platform,
		AddedBy:    first.AddedBy,
	}
}
