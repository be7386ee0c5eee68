package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenissima/engine/internal/catalog"
	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
	"github.com/serenissima/engine/internal/store/sqlite"
)

// Early morning of 5 March in Venice.
var now = time.Date(1525, 3, 5, 2, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *sqlite.Store
	deps  *Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.OpenMemory("appTest")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	trust := relationships.New(s)
	trust.Now = func() time.Time { return now }
	econ := economy.New(s, trust)
	econ.Now = trust.Now
	return &fixture{
		t: t, ctx: context.Background(), store: s,
		deps: &Deps{Store: s, Economy: econ, Trust: trust, Catalog: catalog.Static{C: catalog.Default()}},
	}
}

func (f *fixture) create(table string, fields store.Fields) {
	f.t.Helper()
	_, err := f.store.Create(f.ctx, table, fields)
	require.NoError(f.t, err)
}

func (f *fixture) citizen(username string, ducats float64, ai bool) {
	f.create(store.Citizens, store.Fields{"Username": username, "Ducats": ducats, "IsAI": ai, "SocialClass": model.ClassPopolani})
}

func (f *fixture) ducats(username string) string {
	f.t.Helper()
	c, err := model.GetCitizen(f.ctx, f.store, username)
	require.NoError(f.t, err)
	return c.Ducats.StringFixed(2)
}

func (f *fixture) transactions() []*model.Transaction {
	f.t.Helper()
	txs, err := model.List[model.Transaction](f.ctx, f.store, store.Transactions, store.Query{Sort: []store.Sort{{Field: "Type"}}})
	require.NoError(f.t, err)
	return txs
}

func (f *fixture) notifications(citizen string) []*model.Notification {
	f.t.Helper()
	ns, err := model.List[model.Notification](f.ctx, f.store, store.Notifications, store.Query{Filter: store.Eq("Citizen", citizen)})
	require.NoError(f.t, err)
	return ns
}

func (f *fixture) run(j Job, o Options) *Summary {
	f.t.Helper()
	if o.Now.IsZero() {
		o.Now = now
	}
	sum, err := j.Run(f.ctx, o)
	require.NoError(f.t, err)
	return sum
}

func TestWagesToOneselfMoveNothing(t *testing.T) {
	f := newFixture(t)
	f.citizen("Marco", 100, true)
	f.create(store.Buildings, store.Fields{"BuildingId": "B1", "Type": "bakery", "Category": "business", "RunBy": "Marco", "Occupant": "Marco", "Wages": 50})

	sum := f.run(Wages{f.deps}, Options{})
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, "50.00", sum.Total.StringFixed(2))
	assert.Empty(t, f.transactions())
	assert.Equal(t, "100.00", f.ducats("Marco"))
}

func TestWagesPaidToEmployee(t *testing.T) {
	f := newFixture(t)
	f.citizen("Marco", 1000, true)
	f.citizen("Luca", 0, true)
	f.create(store.Buildings, store.Fields{"BuildingId": "B1", "Type": "bakery", "Category": "business", "RunBy": "Marco", "Occupant": "Luca", "Wages": 50})

	sum := f.run(Wages{f.deps}, Options{})
	assert.Equal(t, 1, sum.Successful)

	txs := f.transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, "wage_payment", txs[0].Type)
	assert.Equal(t, "Marco", txs[0].Buyer)
	assert.Equal(t, "Luca", txs[0].Seller)
	assert.Equal(t, "B1", txs[0].Asset)
	assert.Equal(t, "50.00", txs[0].Price.StringFixed(2))
	assert.Equal(t, "950.00", f.ducats("Marco"))
	assert.Equal(t, "50.00", f.ducats("Luca"))

	rel, err := f.deps.Trust.Get(f.ctx, "Marco", "Luca")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Greater(t, rel.TrustScore, 50.0)

	// Same day again: already paid.
	again := f.run(Wages{f.deps}, Options{Now: now.Add(2 * time.Hour)})
	assert.Equal(t, 0, again.Successful)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, "950.00", f.ducats("Marco"))

	admin := f.notifications(model.StateAccount)
	require.Len(t, admin, 2)
	assert.Equal(t, "admin_report_daily_wages", admin[0].Type)
}

func TestRentFailureNotifiesBothSides(t *testing.T) {
	f := newFixture(t)
	f.citizen("Luca", 10, true)
	f.citizen("Paolo", 0, true)
	f.create(store.Buildings, store.Fields{"BuildingId": "H1", "Type": "canal_house", "Category": "home", "Owner": "Paolo", "Occupant": "Luca", "RentPrice": 20})

	sum := f.run(Rent{f.deps}, Options{})
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, f.transactions())
	assert.Equal(t, "10.00", f.ducats("Luca"))
	assert.Len(t, f.notifications("Luca"), 1)
	assert.Len(t, f.notifications("Paolo"), 1)

	rel, err := f.deps.Trust.Get(f.ctx, "Luca", "Paolo")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Less(t, rel.TrustScore, 50.0)

	h, err := model.GetBuilding(f.ctx, f.store, "H1")
	require.NoError(t, err)
	assert.Nil(t, h.LastRentPaidAt, "failed rent stays due")
}

func TestLeaseWithPartialDevelopment(t *testing.T) {
	f := newFixture(t)
	f.citizen("Paolo", 0, true)
	f.citizen("Teresa", 1000, true)
	f.create(store.Lands, store.Fields{"LandId": "L1", "Owner": "Paolo", "BuildingPointsCount": 10, "BuildingsCount": 5})
	f.create(store.Buildings, store.Fields{"BuildingId": "B1", "Type": "bakery", "Category": "business", "Owner": "Teresa", "LandId": "L1", "LeasePrice": 100})

	sum := f.run(Leases{f.deps}, Options{})
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, "900.00", f.ducats("Teresa"))
	assert.Equal(t, "65.00", f.ducats("Paolo"))
	assert.Equal(t, "35.00", f.ducats(model.StateAccount))

	txs := f.transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, "lease_payment", txs[0].Type)
	assert.Equal(t, "65.00", txs[0].Price.StringFixed(2))
	assert.Equal(t, "lease_tax", txs[1].Type)
	assert.Equal(t, "35.00", txs[1].Price.StringFixed(2))

	land, err := model.GetLand(f.ctx, f.store, "L1")
	require.NoError(t, err)
	assert.Equal(t, 65.0, land.LastIncome)
	assert.Equal(t, []string{"Paolo"}, Top(sum.Received, 3))
}

func TestStorageFeesChargedOncePerWindow(t *testing.T) {
	f := newFixture(t)
	f.citizen("Fabio", 100, true)
	f.citizen("Sara", 0, true)
	f.create(store.Contracts, store.Fields{
		"ContractId": "sq-1", "Type": model.ContractStorageQuery, "Status": model.ContractActive,
		"Buyer": "Fabio", "Seller": "Sara", "SellerBuilding": "S1", "ResourceType": "bread",
		"TargetAmount": 50, "PricePerResource": 0.2, "CreatedAt": now.Add(-48 * time.Hour), "EndAt": now.Add(72 * time.Hour),
	})

	sum := f.run(StorageFees{f.deps}, Options{})
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, "90.00", f.ducats("Fabio"))
	assert.Equal(t, "10.00", f.ducats("Sara"))

	sum = f.run(StorageFees{f.deps}, Options{Now: now.Add(22 * time.Hour)})
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, "90.00", f.ducats("Fabio"))

	sum = f.run(StorageFees{f.deps}, Options{Now: now.Add(23 * time.Hour)})
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, "80.00", f.ducats("Fabio"))
}

func TestStorageFeeRetriedAfterInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.citizen("Fabio", 5, true)
	f.citizen("Sara", 0, true)
	f.create(store.Contracts, store.Fields{
		"ContractId": "sq-1", "Type": model.ContractStorageQuery, "Status": model.ContractActive,
		"Buyer": "Fabio", "Seller": "Sara", "TargetAmount": 50, "PricePerResource": 0.2,
		"CreatedAt": now.Add(-48 * time.Hour), "EndAt": now.Add(72 * time.Hour),
	})

	sum := f.run(StorageFees{f.deps}, Options{})
	assert.Equal(t, 1, sum.Failed)
	ct, err := model.GetContract(f.ctx, f.store, "sq-1")
	require.NoError(t, err)
	assert.Nil(t, ct.LastExecutedAt)

	_, err = f.store.Update(f.ctx, store.Citizens, f.loadID("Fabio"), store.Fields{"Ducats": 50})
	require.NoError(t, err)
	sum = f.run(StorageFees{f.deps}, Options{Now: now.Add(time.Hour)})
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, "40.00", f.ducats("Fabio"))
}

func (f *fixture) loadID(username string) string {
	f.t.Helper()
	c, err := model.GetCitizen(f.ctx, f.store, username)
	require.NoError(f.t, err)
	return c.RecordID
}

func TestLoanInstallmentsUntilPaid(t *testing.T) {
	f := newFixture(t)
	f.citizen("Luca", 100, true)
	f.citizen("Banco", 0, true)
	f.create(store.Loans, store.Fields{
		"LoanId": "loan-1", "Lender": "Banco", "Borrower": "Luca", "Status": model.LoanActive,
		"PrincipalAmount": 50, "PaymentAmount": 30, "RemainingBalance": 45, "CreatedAt": now.Add(-72 * time.Hour),
	})

	f.run(Loans{f.deps}, Options{})
	l, err := model.Get[model.Loan](f.ctx, f.store, store.Loans, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, "15.00", l.RemainingBalance.StringFixed(2))
	assert.Equal(t, model.LoanActive, l.Status)

	f.run(Loans{f.deps}, Options{Now: now.Add(24 * time.Hour)})
	l, err = model.Get[model.Loan](f.ctx, f.store, store.Loans, "loan-1")
	require.NoError(t, err)
	assert.True(t, l.RemainingBalance.IsZero())
	assert.Equal(t, model.LoanPaid, l.Status)
	assert.Equal(t, "55.00", f.ducats("Luca"))
	assert.Equal(t, "45.00", f.ducats("Banco"))
}

func TestLoanWithMissingLenderFailsAlone(t *testing.T) {
	f := newFixture(t)
	f.citizen("Luca", 100, true)
	f.citizen("Banco", 0, true)
	f.create(store.Loans, store.Fields{
		"LoanId": "loan-1", "Lender": "Ghost", "Borrower": "Luca", "Status": model.LoanActive,
		"PaymentAmount": 10, "RemainingBalance": 40, "CreatedAt": now.Add(-72 * time.Hour),
	})
	f.create(store.Loans, store.Fields{
		"LoanId": "loan-2", "Lender": "Banco", "Borrower": "Luca", "Status": model.LoanActive,
		"PaymentAmount": 10, "RemainingBalance": 40, "CreatedAt": now.Add(-71 * time.Hour),
	})

	sum := f.run(Loans{f.deps}, Options{})
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Successful)
	assert.Equal(t, "90.00", f.ducats("Luca"))
	assert.NotEmpty(t, f.notifications("Luca"))
}

func TestInfluenceAccrual(t *testing.T) {
	f := newFixture(t)
	recent := now.Add(-2 * time.Hour)
	stale := now.Add(-96 * time.Hour)
	f.create(store.Citizens, store.Fields{"Username": "Ai", "IsAI": true, "Influence": 0})
	f.create(store.Citizens, store.Fields{"Username": "Active", "IsAI": false, "Influence": 0, "LastActiveAt": recent})
	f.create(store.Citizens, store.Fields{"Username": "Absent", "IsAI": false, "Influence": 0, "LastActiveAt": stale})
	f.create(store.Buildings, store.Fields{"BuildingId": "C1", "Type": "parish_church", "Category": "business", "Owner": "Active"})
	f.create(store.Buildings, store.Fields{"BuildingId": "C2", "Type": "chapel", "Category": "business", "Owner": "Absent"})
	f.create(store.Buildings, store.Fields{"BuildingId": "H1", "Type": "canal_house", "Category": "home", "Occupant": "Ai"})

	sum := f.run(Influence{f.deps}, Options{})
	assert.Equal(t, 2, sum.Successful)

	influence := func(u string) float64 {
		c, err := model.GetCitizen(f.ctx, f.store, u)
		require.NoError(t, err)
		return c.Influence
	}
	assert.Equal(t, 130.0, influence("Ai"), "base plus tier 3 home")
	assert.Equal(t, 110.0, influence("Active"), "base plus parish church")
	assert.Equal(t, 0.0, influence("Absent"))

	f.run(Influence{f.deps}, Options{Now: now.Add(time.Hour)})
	assert.Equal(t, 130.0, influence("Ai"))
}

func TestTargetedInfluenceOncePerDay(t *testing.T) {
	f := newFixture(t)
	f.create(store.Citizens, store.Fields{"Username": "Ai", "IsAI": true, "Influence": 0})
	f.create(store.Buildings, store.Fields{"BuildingId": "P1", "Type": "parish_church", "Category": "business", "Owner": "Ai"})
	influence := func() float64 {
		c, err := model.GetCitizen(f.ctx, f.store, "Ai")
		require.NoError(t, err)
		return c.Influence
	}
	church := Options{BuildingType: "parish_church"}

	f.run(Influence{f.deps}, Options{})
	assert.Equal(t, 110.0, influence())

	for _, h := range []time.Duration{time.Hour, 2 * time.Hour} {
		church.Now = now.Add(h)
		sum := f.run(Influence{f.deps}, church)
		assert.Zero(t, sum.Successful)
		assert.Equal(t, 1, sum.Skipped)
	}
	assert.Equal(t, 110.0, influence(), "the church already granted today")

	church.Now = now.Add(24 * time.Hour)
	f.run(Influence{f.deps}, church)
	assert.Equal(t, 120.0, influence())

	f.run(Influence{f.deps}, Options{Now: now.Add(25 * time.Hour)})
	assert.Equal(t, 220.0, influence(), "base grant only, the church was paid by the targeted run")
}

func TestPassiveBuildingsKeepOneFreeOffer(t *testing.T) {
	f := newFixture(t)
	f.create(store.Buildings, store.Fields{"BuildingId": "W1", "Type": "public_well", "Category": "passive"})
	f.create(store.Buildings, store.Fields{"BuildingId": "C1", "Type": "cistern", "Category": "passive", "RunBy": "Marco"})
	_, err := ledger.Adjust(f.ctx, f.store, ledger.AtBuilding("C1", "Marco", "water"), 120, now, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sum := f.run(Passive{f.deps}, Options{Now: now.Add(time.Duration(i) * time.Hour)})
		assert.Equal(t, 2, sum.Successful)
	}

	offers, err := model.List[model.Contract](f.ctx, f.store, store.Contracts, store.Query{
		Filter: store.And(store.Eq("Type", model.ContractPublicSell), store.Eq("Status", model.ContractActive)),
		Sort:   []store.Sort{{Field: "SellerBuilding"}},
	})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "C1", offers[0].SellerBuilding)
	assert.Equal(t, "Marco", offers[0].Seller)
	assert.Equal(t, 500.0, offers[0].TargetAmount)
	assert.Equal(t, "W1", offers[1].SellerBuilding)
	assert.Equal(t, model.StateAccount, offers[1].Seller)
	assert.Equal(t, 50.0, offers[1].TargetAmount)
	assert.Zero(t, offers[1].PricePerResource)

	stack, err := ledger.Find(f.ctx, f.store, ledger.AtBuilding("C1", "Marco", "water"))
	require.NoError(t, err)
	assert.Equal(t, 500.0, stack.Count)
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.citizen("Marco", 1000, true)
	f.citizen("Luca", 0, true)
	f.create(store.Buildings, store.Fields{"BuildingId": "B1", "Type": "bakery", "Category": "business", "RunBy": "Marco", "Occupant": "Luca", "Wages": 50})
	f.create(store.Buildings, store.Fields{"BuildingId": "W1", "Type": "public_well", "Category": "passive"})

	for _, j := range All(f.deps) {
		_, err := j.Run(f.ctx, Options{DryRun: true, Now: now})
		require.NoError(t, err, j.Name())
	}
	assert.Equal(t, "1000.00", f.ducats("Marco"))
	assert.Empty(t, f.transactions())
	assert.Empty(t, f.notifications(model.StateAccount))
	b, err := model.GetBuilding(f.ctx, f.store, "B1")
	require.NoError(t, err)
	assert.Nil(t, b.LastWagePaidAt)
	stack, err := ledger.Find(f.ctx, f.store, ledger.AtBuilding("W1", model.StateAccount, "water"))
	require.NoError(t, err)
	assert.Nil(t, stack)
}

func TestByName(t *testing.T) {
	d := &Deps{}
	for _, name := range []string{"daily_wages", "daily_rent", "distribute_leases", "pay_storage_contracts",
		"daily_loan_payments", "process_influence", "process_passive_buildings"} {
		j, ok := ByName(d, name)
		require.True(t, ok, name)
		assert.Equal(t, name, j.Name())
	}
	_, ok := ByName(d, "daily_tithe")
	assert.False(t, ok)
}
