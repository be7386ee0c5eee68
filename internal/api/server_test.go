package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenissima/engine/internal/activities"
	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/facade"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
	"github.com/serenissima/engine/internal/store/sqlite"
	"github.com/serenissima/engine/internal/stratagems"
)

var now = time.Date(1525, 3, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *sqlite.Store
	srv   *Server
	ts    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.OpenMemory("appTest")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	at := func() time.Time { return now }
	trust := relationships.New(s)
	trust.Now = at
	econ := economy.New(s, trust)
	econ.Now = at
	cat := catalog.Static{C: catalog.Default()}
	messenger := facade.StoreMessenger{Store: s, Now: at}
	fabric := activities.New(&activities.Env{
		Store:     s,
		Catalog:   cat,
		Economy:   econ,
		Trust:     trust,
		Paths:     facade.StraightLine{},
		Messenger: messenger,
		Clock:     clock.Fixed(now),
	})
	srv := &Server{
		Store:   s,
		Fabric:  fabric,
		Catalog: cat,
		Stratagems: stratagems.New(&stratagems.Env{
			Store:     s,
			Catalog:   cat,
			Requester: stratagems.Local{Fabric: fabric},
			Trust:     trust,
			Clock:     clock.Fixed(now),
		}),
		Messenger: messenger,
		AdminKey:  "doge",
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{t: t, ctx: context.Background(), store: s, srv: srv, ts: ts}
}

func (f *fixture) create(table string, fields store.Fields) {
	f.t.Helper()
	_, err := f.store.Create(f.ctx, table, fields)
	require.NoError(f.t, err)
}

func (f *fixture) citizen(username string) {
	f.create(store.Citizens, store.Fields{
		"Username": username, "SocialClass": model.ClassPopolani, "IsAI": true, "Ducats": 25,
		"Position": model.LatLng{Lat: 45.43, Lng: 12.33}.String(),
	})
}

func (f *fixture) do(method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	f.t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(f.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestTryCreateActivity(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio")

	resp, out := f.do(http.MethodPost, "/api/activities/try-create",
		`{"citizenUsername":"Gio","activityType":"idle","activityParameters":{"durationHours":2}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	acts := out["activities"].([]any)
	require.Len(t, acts, 1)
	assert.Equal(t, "idle", out["activity"].(map[string]any)["Type"])

	pending, err := model.ActiveActivities(f.ctx, f.store, "Gio")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTryCreateActivityRefusals(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio")

	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"missing type", `{"citizenUsername":"Gio"}`, http.StatusBadRequest, "validation failed"},
		{"bad json", `{`, http.StatusBadRequest, "invalid json"},
		{"unknown type", `{"citizenUsername":"Gio","activityType":"joust"}`, http.StatusOK, `unknown activity type "joust"`},
		{"unknown citizen", `{"citizenUsername":"Nobody","activityType":"idle"}`, http.StatusOK, "citizen Nobody not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := f.do(http.MethodPost, "/api/activities/try-create", tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, tt.errMsg, out["error"])
		})
	}

	_, out := f.do(http.MethodPost, "/api/activities/try-create", `{"citizenUsername":"Gio"}`, nil)
	assert.Equal(t, "The activityType field is required", out["errors"].(map[string]any)["activityType"])
}

func TestStratagemsRequireAdmin(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio")
	f.create(store.Buildings, store.Fields{
		"BuildingId": "T1", "Type": "tavern", "Category": "business", "IsConstructed": true,
		"Position": model.LatLng{Lat: 45.44, Lng: 12.33}.String(),
	})
	body := `{"citizenUsername":"Gio","stratagemType":"marketplace_gossip","stratagemParameters":{"gossipContent":"The Doge is ill"}}`

	resp, _ := f.do(http.MethodPost, "/api/stratagems/try-create", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out := f.do(http.MethodPost, "/api/stratagems/try-create", body, map[string]string{"Authorization": "Bearer doge"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])
	id, _ := out["stratagemId"].(string)
	require.NotEmpty(t, id)

	s, err := model.Get[model.Stratagem](f.ctx, f.store, store.Stratagems, id)
	require.NoError(t, err)
	assert.Equal(t, model.StratagemActive, s.Status)
	assert.Equal(t, "Gio", s.ExecutedBy)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(http.MethodPost, "/api/messages/send",
		`{"sender":"Gio","receiver":"Ana","content":"Meet me at the Rialto","type":"message"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])

	msgs, err := model.List[model.Message](f.ctx, f.store, store.Messages, store.Query{Filter: store.Eq("Receiver", "Ana")})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Meet me at the Rialto", msgs[0].Content)

	resp, _ = f.do(http.MethodPost, "/api/messages/send", `{"sender":"Gio"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLedgerSnapshot(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio")
	f.create(store.Buildings, store.Fields{"BuildingId": "H1", "Type": "canal_house", "Category": "home", "Occupant": "Gio", "Owner": "Ana"})
	f.create(store.Buildings, store.Fields{"BuildingId": "B1", "Type": "bakery", "Category": "business", "RunBy": "Gio", "Owner": "Gio"})
	f.create(store.Notifications, store.Fields{"NotificationId": "n1", "Citizen": "Gio", "Type": "wage_paid", "Content": "Paid", "CreatedAt": now})

	resp, out := f.do(http.MethodGet, "/api/get-ledger?citizenUsername=Gio", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Gio", out["citizen"].(map[string]any)["Username"])
	assert.Equal(t, "H1", out["home"].(map[string]any)["BuildingId"])
	assert.Len(t, out["runBuildings"], 1)
	assert.Len(t, out["latestNotifications"], 1)

	resp, _ = f.do(http.MethodGet, "/api/get-ledger?citizenUsername=Nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	raw, err := Ledgers{Store: f.store}.Ledger(f.ctx, "Gio")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ownedBuildings"`)
}

func TestCatalogEndpoints(t *testing.T) {
	f := newFixture(t)
	_, out := f.do(http.MethodGet, "/api/building-types", "", nil)
	assert.Equal(t, true, out["success"])
	assert.NotEmpty(t, out["buildingTypes"])

	_, out = f.do(http.MethodGet, "/api/resource-types", "", nil)
	types := out["resourceTypes"].([]any)
	require.NotEmpty(t, types)
	assert.Equal(t, "bread", types[0].(map[string]any)["id"])
}

func TestNotificationsAndRelevancies(t *testing.T) {
	f := newFixture(t)
	f.create(store.Notifications, store.Fields{"NotificationId": "n1", "Citizen": "Gio", "Type": "a", "Content": "old", "CreatedAt": now.Add(-2 * time.Hour)})
	f.create(store.Notifications, store.Fields{"NotificationId": "n2", "Citizen": "Gio", "Type": "b", "Content": "new", "CreatedAt": now})
	f.create(store.Relationships, store.Fields{"Citizen1": "Ana", "Citizen2": "Gio", "TrustScore": 70, "StrengthScore": 10})

	_, out := f.do(http.MethodPost, "/api/notifications", `{"citizen":"Gio"}`, nil)
	ns := out["notifications"].([]any)
	require.Len(t, ns, 2)
	assert.Equal(t, "new", ns[0].(map[string]any)["Content"])

	since := now.Add(-time.Hour).Format(time.RFC3339)
	_, out = f.do(http.MethodGet, "/api/notifications?citizen=Gio&since="+since, "", nil)
	assert.Len(t, out["notifications"], 1)

	_, out = f.do(http.MethodGet, "/api/relevancies?relevantToCitizen=Gio", "", nil)
	rels := out["relevancies"].([]any)
	require.Len(t, rels, 1)
	assert.Equal(t, "Ana", rels[0].(map[string]any)["target"])
	assert.Equal(t, 40.0, rels[0].(map[string]any)["score"])
}

func TestProblemsFilter(t *testing.T) {
	f := newFixture(t)
	f.create(store.Problems, store.Fields{"ProblemId": "p1", "Citizen": "Gio", "Status": "active", "Title": "Homeless", "CreatedAt": now})
	f.create(store.Problems, store.Fields{"ProblemId": "p2", "Citizen": "Gio", "Status": "resolved", "Title": "Hungry", "CreatedAt": now})
	f.create(store.Problems, store.Fields{"ProblemId": "p3", "Citizen": "Ana", "Status": "active", "Title": "Idle", "CreatedAt": now})

	_, out := f.do(http.MethodGet, "/api/problems?citizen=Gio", "", nil)
	ps := out["problems"].([]any)
	require.Len(t, ps, 1)
	assert.Equal(t, "Homeless", ps[0].(map[string]any)["Title"])
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	clockAt := now
	rl.now = func() time.Time { return clockAt }

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))
	assert.Equal(t, 61, rl.RetryAfter("1.2.3.4"))

	clockAt = clockAt.Add(time.Minute)
	assert.True(t, rl.Allow("1.2.3.4"))
}

func TestRateLimitedEndpoint(t *testing.T) {
	f := newFixture(t)
	f.srv.MessageLimiter = NewRateLimiter(1, time.Hour)
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)
	f.ts = ts

	body := `{"sender":"Gio","receiver":"Ana","content":"hi"}`
	resp, _ := f.do(http.MethodPost, "/api/messages/send", body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, out := f.do(http.MethodPost, "/api/messages/send", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate limit exceeded", out["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
