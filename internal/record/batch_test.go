package record_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserksystems/instrumentality/internal/record"
)

// fakePolicy allows exactly one platform with one type of each kind.
type fakePolicy struct {
	platform     string
	presenceType string
	contentType  string
}

func (p fakePolicy) ValidPresenceType(platform, presenceType string) bool {
	return platform == p.platform && presenceType == p.presenceType
}

func (p fakePolicy) ValidContentType(platform, contentType string) bool {
	return platform == p.platform && contentType == p.contentType
}

func (p fakePolicy) ValidPlatform(platform string) bool {
	return platform == p.platform
}

func presenceRecord(id, platform, presenceType string) record.Record {
	return record.Record{
		Kind:         record.KindPresence,
		ID:           id,
		Platform:     platform,
		PresenceType: presenceType,
		RetrievedAt:  time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func metaRecord(id, platform, username string) record.Record {
	return record.Record{
		Kind:        record.KindMeta,
		ID:          id,
		Platform:    platform,
		Username:    username,
		RetrievedAt: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestBatch_TagStampsEveryRecord(t *testing.T) {
	batch := record.Batch{Data: []record.Record{
		presenceRecord("1", "twitch_tv", "live"),
		metaRecord("1", "twitch_tv", "somebody"),
	}}

	now := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)
	tagged := batch.Tag("operator-uuid", now)

	for _, r := range tagged.Data {
		assert.Equal(t, "operator-uuid", r.AddedBy)
		require.NotNil(t, r.AddedAt)
		assert.Equal(t, now, *r.AddedAt)
	}
	// The input batch is untouched.
	assert.Empty(t, batch.Data[0].AddedBy)
}

func TestBatch_VerifyForConfig(t *testing.T) {
	policy := fakePolicy{platform: "twitch_tv", presenceType: "live", contentType: "video"}

	batch := record.Batch{Data: []record.Record{
		presenceRecord("1", "twitch_tv", "live"),
		presenceRecord("1", "twitch_tv", "offline"),
		presenceRecord("1", "unknown", "live"),
		metaRecord("1", "twitch_tv", "somebody"),
		metaRecord("1", "unknown", "somebody"),
	}}

	verified := batch.VerifyForConfig(policy)
	require.Len(t, verified.Data, 2)
	assert.Equal(t, record.KindPresence, verified.Data[0].Kind)
	assert.Equal(t, record.KindMeta, verified.Data[1].Kind)

	// Verification is idempotent.
	again := verified.VerifyForConfig(policy)
	assert.Equal(t, verified.Data, again.Data)
}

func TestBatch_VerifyForQueue(t *testing.T) {
	batch := record.Batch{Data: []record.Record{
		presenceRecord("123456", "twitch_tv", "live"),
		presenceRecord("999", "twitch_tv", "live"),
		presenceRecord("123456", "twitter", "live"),
		metaRecord("123456", "twitch_tv", "somebody"),
	}}

	confirmed := batch.VerifyForQueue("twitch_tv", "123456", true)
	require.Len(t, confirmed.Data, 2)

	// With an unconfirmed id, a meta record may redeclare the id.
	rebinding := record.Batch{Data: []record.Record{
		metaRecord("123456", "twitch_tv", "somebody"),
		presenceRecord("somebody", "twitch_tv", "live"),
	}}
	kept := rebinding.VerifyForQueue("twitch_tv", "somebody", false)
	require.Len(t, kept.Data, 2)

	// With a confirmed id, it may not.
	kept = rebinding.VerifyForQueue("twitch_tv", "somebody", true)
	require.Len(t, kept.Data, 1)
	assert.Equal(t, record.KindPresence, kept.Data[0].Kind)
}

func TestBatch_InfoPrefersMeta(t *testing.T) {
	batch := record.Batch{Data: []record.Record{
		presenceRecord("999", "twitch_tv", "live"),
		metaRecord("123456", "twitch_tv", "somebody"),
	}}

	info := batch.Info()
	assert.Equal(t, "123456", info.PlatformID)
	assert.Equal(t, "twitch_tv", info.Platform)
	require.NotNil(t, info.Username)
	assert.Equal(t, "somebody", *info.Username)

	noMeta := record.Batch{Data: []record.Record{presenceRecord("999", "twitch_tv", "live")}}
	info = noMeta.Info()
	assert.Equal(t, "999", info.PlatformID)
	assert.Nil(t, info.Username)
}
