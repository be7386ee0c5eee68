package economy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
	"github.com/serenissima/engine/internal/store/sqlite"
)

var now = time.Date(1525, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, balances map[string]float64) (*Economy, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.OpenMemory("appTest")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for u, d := range balances {
		_, err := s.Create(context.Background(), store.Citizens, store.Fields{
			"Username": u, "SocialClass": model.ClassPopolani, "Ducats": d,
		})
		require.NoError(t, err)
	}
	trust := relationships.New(s)
	trust.Now = func() time.Time { return now }
	e := New(s, trust)
	e.Now = func() time.Time { return now }
	return e, s
}

func ducats(t *testing.T, e *Economy, u string) string {
	t.Helper()
	d, err := e.Balance(context.Background(), u)
	require.NoError(t, err)
	return d.StringFixed(2)
}

func TestPayMovesAndJournals(t *testing.T) {
	ctx := context.Background()
	e, s := setup(t, map[string]float64{"Marco": 1000, "Luca": 0})

	res, err := e.Pay(ctx, Payment{
		From: "Marco", To: "Luca", Amount: decimal.NewFromInt(50),
		Reason: "daily wages", AssetType: "building", Asset: "bld_1",
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, res.Transactions, 1)
	tx := res.Transactions[0]
	assert.Equal(t, "wage_payment", tx.Type)
	assert.Equal(t, "Marco", tx.Buyer)
	assert.Equal(t, "Luca", tx.Seller)

	assert.Equal(t, "950.00", ducats(t, e, "Marco"))
	assert.Equal(t, "50.00", ducats(t, e, "Luca"))

	txs, err := model.List[model.Transaction](ctx, s, store.Transactions, store.Query{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Price.Equal(decimal.NewFromInt(50)))
}

func TestPayInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	e, s := setup(t, map[string]float64{"Luca": 10, "Paolo": 0})

	res, err := e.Pay(ctx, Payment{From: "Luca", To: "Paolo", Amount: decimal.NewFromInt(20), Reason: "rent"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, FailInsufficientFunds, res.Failure)
	assert.Equal(t, "10.00", ducats(t, e, "Luca"))

	notes, err := s.All(ctx, store.Notifications, store.Query{Filter: store.Eq("Citizen", "Luca")})
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	rel, err := e.Trust.Get(ctx, "Luca", "Paolo")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Less(t, rel.TrustScore, relationships.DefaultTrust)

	txs, err := s.All(ctx, store.Transactions, store.Query{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPaySelfIsNoop(t *testing.T) {
	e, s := setup(t, map[string]float64{"Marco": 100})
	res, err := e.Pay(context.Background(), Payment{From: "Marco", To: "Marco", Amount: decimal.NewFromInt(50), Reason: "wages"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.Transactions)
	assert.Equal(t, "100.00", ducats(t, e, "Marco"))
	txs, err := s.All(context.Background(), store.Transactions, store.Query{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPayMissingParty(t *testing.T) {
	ctx := context.Background()
	e, s := setup(t, map[string]float64{"Marco": 100})
	res, err := e.Pay(ctx, Payment{From: "Marco", To: "Ghost", Amount: decimal.NewFromInt(5), Reason: "rent"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, FailEntityMissing, res.Failure)
	assert.Equal(t, "100.00", ducats(t, e, "Marco"))

	notes, err := model.List[model.Notification](ctx, s, store.Notifications, store.Query{Filter: store.Eq("Citizen", "Marco")})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "payment_failed", notes[0].Type)
	assert.Contains(t, notes[0].Content, "Ghost")

	// A missing payer leaves nobody to notify.
	res, err = e.Pay(ctx, Payment{From: "Ghost", To: "Marco", Amount: decimal.NewFromInt(5), Reason: "rent"})
	require.NoError(t, err)
	assert.Equal(t, FailEntityMissing, res.Failure)
	all, err := s.All(ctx, store.Notifications, store.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPayAllSplitsImport(t *testing.T) {
	ctx := context.Background()
	e, _ := setup(t, map[string]float64{"Fabio": 100, "Merchant": 0})
	res, err := e.PayAll(ctx,
		Payment{From: "Fabio", To: "Merchant", Amount: decimal.NewFromInt(60), Reason: "import delivery", Type: "import_payment"},
		Payment{From: "Merchant", To: model.ForeignAccount, Amount: decimal.NewFromInt(30), Reason: "import cost of goods", Type: "import_payment_cost"},
	)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Len(t, res.Transactions, 2)
	assert.Equal(t, "40.00", ducats(t, e, "Fabio"))
	assert.Equal(t, "30.00", ducats(t, e, "Merchant"))
	assert.Equal(t, "30.00", ducats(t, e, model.ForeignAccount))
}

func TestPayAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	e, _ := setup(t, map[string]float64{"Fabio": 100, "Merchant": 0})
	res, err := e.PayAll(ctx,
		Payment{From: "Fabio", To: "Merchant", Amount: decimal.NewFromInt(60)},
		Payment{From: "Merchant", To: model.ForeignAccount, Amount: decimal.NewFromInt(80)},
	)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "100.00", ducats(t, e, "Fabio"))
	assert.Equal(t, "0.00", ducats(t, e, "Merchant"))
}

func TestLeaseTax(t *testing.T) {
	split := LeaseTax(decimal.NewFromInt(100), 5, 10)
	assert.Equal(t, "0.35", split.Rate.StringFixed(2))
	assert.Equal(t, "35.00", split.Tax.StringFixed(2))
	assert.Equal(t, "65.00", split.Net.StringFixed(2))

	prev := decimal.NewFromInt(1)
	for b := 0; b <= 12; b++ {
		s := LeaseTax(decimal.NewFromFloat(77.77), b, 10)
		assert.True(t, s.Tax.Add(s.Net).Equal(decimal.NewFromFloat(77.77)))
		assert.True(t, s.Rate.GreaterThanOrEqual(BaseLeaseTaxRate))
		assert.True(t, s.Rate.LessThanOrEqual(MaxLeaseTaxRate))
		assert.True(t, s.Rate.LessThanOrEqual(prev), "rate must not rise with development")
		prev = s.Rate
	}
}

func TestTransactionType(t *testing.T) {
	assert.Equal(t, "fee_payment", TransactionType("storage fee"))
	assert.Equal(t, "wage_payment", TransactionType("Daily wages"))
	assert.Equal(t, "rent_payment", TransactionType("rent for home"))
	assert.Equal(t, "expense", TransactionType("bread"))
}
