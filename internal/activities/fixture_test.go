package activities

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/clock"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/facade"
	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
	"github.com/serenissima/engine/internal/store/sqlite"
)

// 1525-03-04 is a Saturday; 10:00 UTC is 11:00 in Venice.
var now = time.Date(1525, 3, 4, 10, 0, 0, 0, time.UTC)

// fixedPath walks in a straight line in a fixed number of minutes.
type fixedPath struct{ minutes float64 }

func (f fixedPath) FindPath(_ context.Context, start, end model.LatLng, _ time.Time) (*facade.Path, error) {
	return &facade.Path{Points: []model.LatLng{start, end}, DurationSeconds: f.minutes * 60}, nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *sqlite.Store
	env    *Env
	fabric *Fabric
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
	env := &Env{
		Store:     s,
		Catalog:   catalog.Static{C: catalog.Default()},
		Economy:   econ,
		Trust:     trust,
		Paths:     fixedPath{minutes: 30},
		Messenger: facade.StoreMessenger{Store: s, Now: at},
		Clock:     clock.Fixed(now),
	}
	return &fixture{t: t, ctx: context.Background(), store: s, env: env, fabric: New(env)}
}

// pos returns a distinct lagoon coordinate for index i.
func pos(i int) string {
	return model.LatLng{Lat: 45.43 + float64(i)*0.001, Lng: 12.33}.String()
}

func (f *fixture) citizen(username string, ducats float64, position string, extra store.Fields) {
	f.t.Helper()
	fields := store.Fields{
		"Username": username, "SocialClass": model.ClassPopolani, "IsAI": true,
		"Ducats": ducats, "Position": position,
	}
	for k, v := range extra {
		fields[k] = v
	}
	_, err := f.store.Create(f.ctx, store.Citizens, fields)
	require.NoError(f.t, err)
}

func (f *fixture) building(id, typ, category, runBy, position string, extra store.Fields) {
	f.t.Helper()
	fields := store.Fields{
		"BuildingId": id, "Type": typ, "Category": category, "RunBy": runBy, "Owner": runBy,
		"Position": position, "IsConstructed": true,
	}
	for k, v := range extra {
		fields[k] = v
	}
	_, err := f.store.Create(f.ctx, store.Buildings, fields)
	require.NoError(f.t, err)
}

func (f *fixture) contract(id string, fields store.Fields) {
	f.t.Helper()
	fields["ContractId"] = id
	if _, ok := fields["Status"]; !ok {
		fields["Status"] = model.ContractActive
	}
	fields["CreatedAt"] = now.Add(-time.Hour)
	if _, ok := fields["EndAt"]; !ok {
		fields["EndAt"] = now.Add(7 * 24 * time.Hour)
	}
	_, err := f.store.Create(f.ctx, store.Contracts, fields)
	require.NoError(f.t, err)
}

func (f *fixture) stock(k ledger.Key, n float64) {
	f.t.Helper()
	_, err := ledger.Adjust(f.ctx, f.store, k, n, now, "")
	require.NoError(f.t, err)
}

func (f *fixture) count(k ledger.Key) float64 {
	f.t.Helper()
	st, err := ledger.Find(f.ctx, f.store, k)
	require.NoError(f.t, err)
	if st == nil {
		return 0
	}
	return st.Count
}

func (f *fixture) ducats(username string) string {
	f.t.Helper()
	c, err := model.GetCitizen(f.ctx, f.store, username)
	require.NoError(f.t, err)
	return c.Ducats.StringFixed(2)
}

func (f *fixture) loadCitizen(username string) *model.Citizen {
	f.t.Helper()
	c, err := model.GetCitizen(f.ctx, f.store, username)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) activities(username string) []*model.Activity {
	f.t.Helper()
	acts, err := model.ActiveActivities(f.ctx, f.store, username)
	require.NoError(f.t, err)
	return acts
}
