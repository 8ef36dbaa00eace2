package api_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserksystems/instrumentality/internal/api"
	"github.com/berserksystems/instrumentality/internal/cache"
	"github.com/berserksystems/instrumentality/internal/config"
	"github.com/berserksystems/instrumentality/internal/identity"
	"github.com/berserksystems/instrumentality/internal/store"
)

type env struct {
	server *httptest.Server
	store  *store.Store
	admin  identity.Operator
	key    string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	cfg := &config.Config{
		ContentTypes: map[string][]string{
			"twitter":   {"tweet"},
			"twitch_tv": {"video"},
		},
		PresenceTypes: map[string][]string{
			"twitter":   {"follower_count_increase"},
			"twitch_tv": {"live"},
		},
		Settings: config.Settings{LogLevel: "ERROR", QueueTimeoutSecs: 30},
	}

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	admin, key := identity.NewAdmin("root")
	require.NoError(t, identity.Insert(t.Context(), st.DB(), admin))

	srv := httptest.NewServer(api.New(cfg, st, cache.NewMemory()).Routes())
	t.Cleanup(srv.Close)

	return &env{server: srv, store: st, admin: admin, key: key}
}

// call sends a request and decodes the envelope.
func (e *env) call(t *testing.T, method, path, key, body string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-KEY", key)
	}

	res, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&decoded))
	return res.StatusCode, decoded
}

func TestFrontpageAndFallbacks(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body["response"])

	status, body = e.call(t, http.MethodGet, "/nonsense", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Not found.", body["text"])

	status, body = e.call(t, http.MethodPost, "/", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, "Method not allowed.", body["text"])
}

func TestTypes(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodGet, "/types", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body["response"])

	content := body["content_types"].(map[string]any)
	assert.Contains(t, content, "twitter")
	presence := body["presence_types"].(map[string]any)
	assert.Contains(t, presence, "twitch_tv")
}

func TestAuth(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodGet, "/user/login", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorised.", body["text"])

	status, body = e.call(t, http.MethodGet, "/user/login", "WRONGKEY", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorised.", body["text"])

	status, body = e.call(t, http.MethodGet, "/user/login", e.key, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body["response"])
	user := body["user"].(map[string]any)
	assert.Equal(t, e.admin.UUID, user["uuid"])
	assert.Equal(t, []any{}, body["subjects"])
	assert.Equal(t, []any{}, body["groups"])
}

func TestRegisterFlow(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodGet, "/users/invite", e.key, "")
	require.Equal(t, http.StatusCreated, status)
	code := body["code"].(string)
	assert.Len(t, code, 128)

	status, body = e.call(t, http.MethodPost, "/users/register", "",
		`{"code": "`+code+`", "name": "alice"}`)
	require.Equal(t, http.StatusCreated, status)
	key := body["key"].(string)
	assert.Len(t, key, 64)
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice", user["name"])
	// Only the digest is stored, and it is not the key itself.
	assert.NotEqual(t, key, user["hashed_key"])

	// The new key authenticates.
	status, _ = e.call(t, http.MethodGet, "/user/login", key, "")
	assert.Equal(t, http.StatusOK, status)

	// The invite is single use.
	status, body = e.call(t, http.MethodPost, "/users/register", "",
		`{"code": "`+code+`", "name": "bob"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid invite code.", body["text"])

	// Names are unique.
	status, body = e.call(t, http.MethodGet, "/users/invite", e.key, "")
	require.Equal(t, http.StatusCreated, status)
	status, body = e.call(t, http.MethodPost, "/users/register", "",
		`{"code": "`+body["code"].(string)+`", "name": "alice"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "This username is taken.", body["text"])

	// Missing fields are unprocessable.
	status, body = e.call(t, http.MethodPost, "/users/register", "", `{"name": "carol"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Your data is missing a field or is otherwise unprocessable.", body["text"])
}

func TestReset(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodGet, "/user/reset", e.key, "")
	require.Equal(t, http.StatusOK, status)
	newKey := body["key"].(string)
	assert.Len(t, newKey, 64)

	status, _ = e.call(t, http.MethodGet, "/user/login", e.key, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = e.call(t, http.MethodGet, "/user/login", newKey, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestSubjectQueueIngestCycle(t *testing.T) {
	e := newEnv(t)

	// No subjects yet: the queue is empty.
	status, body := e.call(t, http.MethodGet, "/queue?platforms=[twitter]", e.key, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ERROR", body["response"])
	assert.Equal(t, "There are no jobs available. Please try again later.", body["text"])

	status, body = e.call(t, http.MethodPost, "/subjects/create", e.key,
		`{"name": "target", "profiles": {"twitter": ["123456"]}}`)
	require.Equal(t, http.StatusCreated, status)
	subjectUUID := body["uuid"].(string)
	assert.NotEmpty(t, subjectUUID)

	// Missing platforms parameter vs empty vs unknown.
	status, body = e.call(t, http.MethodGet, "/queue", e.key, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "You must provide a list of supported platforms.", body["text"])

	status, body = e.call(t, http.MethodGet, "/queue?platforms=", e.key, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "You must specify which platforms you are performing jobs for.", body["text"])

	status, body = e.call(t, http.MethodGet, "/queue?platforms=[myspace]", e.key, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "One or more of your given platforms is not valid. See /types for supported platforms.", body["text"])

	// Lease the job. The bare comma shape works too, so exercise it.
	status, body = e.call(t, http.MethodGet, "/queue?platforms=twitter,twitch_tv", e.key, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "OK", body["response"])
	queueID := body["queue_id"].(string)
	assert.Equal(t, "twitter", body["platform"])
	assert.Equal(t, "123456", body["platform_id"])
	assert.Equal(t, "123456", body["platform_username_hint"])

	// The job is exclusive while leased.
	status, body = e.call(t, http.MethodGet, "/queue?platforms=[twitter]", e.key, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ERROR", body["response"])

	// Submitting against a bogus lease fails.
	status, body = e.call(t, http.MethodPost, "/add", e.key,
		`{"queue_id": "bogus", "data": [{"id": "123456", "platform": "twitter", "presence_type": "follower_count_increase", "retrieved_at": "2026-08-24T12:00:00Z"}]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid queue ID.", body["text"])

	// Complete the job.
	status, body = e.call(t, http.MethodPost, "/add", e.key,
		`{"queue_id": "`+queueID+`", "data": [{"id": "123456", "platform": "twitter", "presence_type": "follower_count_increase", "retrieved_at": "2026-08-24T12:00:00Z"}]}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "OK", body["response"])

	// The data shows up in /view.
	status, body = e.call(t, http.MethodGet, "/view?subjects=["+subjectUUID+"]", e.key, "")
	require.Equal(t, http.StatusOK, status)
	viewData := body["view_data"].(map[string]any)
	subjectData := viewData["subject_data"].([]any)
	require.Len(t, subjectData, 1)
	platforms := subjectData[0].(map[string]any)["platforms"].([]any)
	require.Len(t, platforms, 1)
	profiles := platforms[0].(map[string]any)["profiles"].([]any)
	require.Len(t, profiles, 1)
	presence := profiles[0].(map[string]any)["presence"].([]any)
	assert.Len(t, presence, 1)
}

func TestAddWithoutLease(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodPost, "/add", e.key, `{"data": []}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No data was submitted.", body["text"])

	status, body = e.call(t, http.MethodPost, "/add", e.key,
		`{"data": [{"id": "1", "platform": "myspace", "presence_type": "live", "retrieved_at": "2026-08-24T12:00:00Z"}]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["text"], "No valid data was submitted.")

	status, body = e.call(t, http.MethodPost, "/add", e.key,
		`{"data": [{"id": "1", "platform": "twitter", "presence_type": "follower_count_increase", "retrieved_at": "2026-08-24T12:00:00Z"}]}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "OK", body["response"])
}

func TestIdentityRebindingOverAPI(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodPost, "/subjects/create", e.key,
		`{"name": "target", "profiles": {"twitch_tv": ["somebody"]}}`)
	require.Equal(t, http.StatusCreated, status)
	subjectUUID := body["uuid"].(string)

	status, body = e.call(t, http.MethodGet, "/queue?platforms=[twitch_tv]", e.key, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "OK", body["response"])
	queueID := body["queue_id"].(string)
	assert.Equal(t, "somebody", body["platform_id"])

	// The provider resolves the username to a confirmed platform id.
	status, body = e.call(t, http.MethodPost, "/add", e.key,
		`{"queue_id": "`+queueID+`", "data": [
			{"id": "123456", "platform": "twitch_tv", "username": "somebody", "private": false, "banned": false, "retrieved_at": "2026-08-24T12:00:00Z"},
			{"id": "123456", "platform": "twitch_tv", "presence_type": "live", "retrieved_at": "2026-08-24T12:00:00Z"}
		]}`)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "OK", body["response"])

	// The subject's profile now names the confirmed id, and the next lease
	// hands it out with a username hint from the meta record.
	status, body = e.call(t, http.MethodGet, "/user/login", e.key, "")
	require.Equal(t, http.StatusOK, status)
	subjects := body["subjects"].([]any)
	require.Len(t, subjects, 1)
	profileMap := subjects[0].(map[string]any)["profiles"].(map[string]any)
	assert.Equal(t, []any{"123456"}, profileMap["twitch_tv"])
	assert.Equal(t, subjectUUID, subjects[0].(map[string]any)["uuid"])

	status, body = e.call(t, http.MethodGet, "/queue?platforms=[twitch_tv]", e.key, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "OK", body["response"])
	assert.Equal(t, "123456", body["platform_id"])
	assert.Equal(t, "somebody", body["platform_username_hint"])
}

func TestSubjectLifecycle(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodPost, "/subjects/create", e.key,
		`{"name": "target", "profiles": {"twitter": ["123456"]}}`)
	require.Equal(t, http.StatusCreated, status)
	subjectUUID := body["uuid"].(string)

	// Duplicate name for the same owner conflicts.
	status, body = e.call(t, http.MethodPost, "/subjects/create", e.key,
		`{"name": "target", "profiles": {}}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Subject by that name already exists.", body["text"])

	// Unsupported platform is rejected.
	status, body = e.call(t, http.MethodPost, "/subjects/create", e.key,
		`{"name": "other", "profiles": {"myspace": ["x"]}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Profiles contains unsupported platform(s).", body["text"])

	status, body = e.call(t, http.MethodPost, "/subjects/update", e.key,
		`{"uuid": "`+subjectUUID+`", "name": "renamed", "profiles": {"twitter": ["123456"]}, "description": "tracked"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body["response"])

	status, body = e.call(t, http.MethodPost, "/subjects/update", e.key,
		`{"uuid": "no-such", "name": "x", "profiles": {}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No such subject exists or it was not created by you.", body["text"])

	status, body = e.call(t, http.MethodDelete, "/subjects/delete", e.key,
		`{"uuid": "`+subjectUUID+`"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body["response"])

	// Its queue entry went with it.
	status, body = e.call(t, http.MethodGet, "/queue?platforms=[twitter]", e.key, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ERROR", body["response"])
}

func TestGroupLifecycle(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodPost, "/subjects/create", e.key,
		`{"name": "target", "profiles": {}}`)
	require.Equal(t, http.StatusCreated, status)
	subjectUUID := body["uuid"].(string)

	status, body = e.call(t, http.MethodPost, "/groups/create", e.key,
		`{"name": "watchlist", "subjects": ["no-such"]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "One or more of the subjects does not exist.", body["text"])

	status, body = e.call(t, http.MethodPost, "/groups/create", e.key,
		`{"name": "watchlist", "subjects": ["`+subjectUUID+`"]}`)
	require.Equal(t, http.StatusCreated, status)
	groupUUID := body["uuid"].(string)

	status, body = e.call(t, http.MethodPost, "/groups/create", e.key,
		`{"name": "watchlist", "subjects": []}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Group by that name already exists.", body["text"])

	status, body = e.call(t, http.MethodPost, "/groups/update", e.key,
		`{"uuid": "`+groupUUID+`", "name": "watchlist", "subjects": []}`)
	require.Equal(t, http.StatusOK, status)

	status, body = e.call(t, http.MethodDelete, "/groups/delete", e.key,
		`{"uuid": "`+groupUUID+`"}`)
	require.Equal(t, http.StatusOK, status)

	status, body = e.call(t, http.MethodDelete, "/groups/delete", e.key,
		`{"uuid": "`+groupUUID+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No such group exists or it was not created by you.", body["text"])
}

func TestViewRequiresSubjects(t *testing.T) {
	e := newEnv(t)

	status, body := e.call(t, http.MethodGet, "/view", e.key, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "You must provide a list of subjects.", body["text"])
}

func TestHalt(t *testing.T) {
	e := newEnv(t)

	// A non-admin operator cannot halt the server.
	status, body := e.call(t, http.MethodGet, "/users/invite", e.key, "")
	require.Equal(t, http.StatusCreated, status)
	status, body = e.call(t, http.MethodPost, "/users/register", "",
		`{"code": "`+body["code"].(string)+`", "name": "alice"}`)
	require.Equal(t, http.StatusCreated, status)
	aliceKey := body["key"].(string)

	status, body = e.call(t, http.MethodGet, "/halt", aliceKey, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorised.", body["text"])

	status, body = e.call(t, http.MethodGet, "/halt", e.key, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body["response"])
}

func TestBannedOperatorRejected(t *testing.T) {
	e := newEnv(t)

	_, err := e.store.DB().Exec(`UPDATE users SET banned = 1 WHERE uuid = ?`, e.admin.UUID)
	require.NoError(t, err)

	status, body := e.call(t, http.MethodGet, "/user/login", e.key, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorised.", body["text"])
}

func TestQueueColdestFirst(t *testing.T) {
	e := newEnv(t)

	// Coldest-first: of two subjects, the one processed longer ago leases
	// out first.
	status, _ := e.call(t, http.MethodPost, "/subjects/create", e.key,
		`{"name": "a", "profiles": {"twitter": ["cold"]}}`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = e.call(t, http.MethodPost, "/subjects/create", e.key,
		`{"name": "b", "profiles": {"twitter": ["warm"]}}`)
	require.Equal(t, http.StatusCreated, status)

	_, err := e.store.DB().Exec(
		`UPDATE queue SET last_processed = ? WHERE platform_id = 'warm'`,
		time.Now().UnixNano())
	require.NoError(t, err)

	status, body := e.call(t, http.MethodGet, "/queue?platforms=[twitter]", e.key, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "OK", body["response"])
	assert.Equal(t, "cold", body["platform_id"])
}
