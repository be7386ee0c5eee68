package activities

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenissima/engine/internal/ledger"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

func asFailure(t *testing.T, err error) *Failure {
	t.Helper()
	var f *Failure
	require.True(t, errors.As(err, &f), "expected a *Failure, got %v", err)
	return f
}

func TestFetchResourceBuysWhatTheBuyerCanAfford(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 5, pos(1), nil)
	f.citizen("Anna", 0, pos(2), nil)
	f.building("bakery_1", "bakery", "business", "Anna", pos(2), nil)
	f.stock(ledger.AtBuilding("bakery_1", "Anna", "bread"), 10)
	f.contract("ct_bread", store.Fields{
		"Type": model.ContractPublicSell, "Seller": "Anna", "Buyer": "public",
		"SellerBuilding": "bakery_1", "ResourceType": "bread", "PricePerResource": 2.0, "TargetAmount": 10.0,
	})

	acts, err := f.fabric.Create(f.ctx, "Gio", TypeFetchResource, Params{"contractId": "ct_bread", "amount": 10.0})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	fetch := acts[0]
	assert.Equal(t, TypeFetchResource, fetch.Type)
	assert.Equal(t, now, fetch.StartDate)
	assert.Equal(t, now.Add(30*time.Minute), fetch.EndDate)

	require.NoError(t, f.fabric.Process(f.ctx, fetch))

	assert.Equal(t, "1.00", f.ducats("Gio"))
	assert.Equal(t, "4.00", f.ducats("Anna"))
	assert.Equal(t, 8.0, f.count(ledger.AtBuilding("bakery_1", "Anna", "bread")))
	assert.Equal(t, 2.0, f.count(ledger.Carried("Gio", "Gio", "bread")))

	txs, err := model.List[model.Transaction](f.ctx, f.store, store.Transactions, store.Query{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "resource_purchase_on_fetch", txs[0].Type)
	assert.True(t, txs[0].Price.Equal(decimal.NewFromInt(4)))

	rel, err := f.env.Trust.Get(f.ctx, "Gio", "Anna")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Greater(t, rel.TrustScore, 50.0)
	assert.Contains(t, rel.Notes, "activity_fetch_resource_success_pickup")
}

func TestFetchResourceNothingToPickUp(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 1, pos(1), nil)
	f.citizen("Anna", 0, pos(2), nil)
	f.building("bakery_1", "bakery", "business", "Anna", pos(2), nil)
	f.stock(ledger.AtBuilding("bakery_1", "Anna", "bread"), 10)
	f.contract("ct_bread", store.Fields{
		"Type": model.ContractPublicSell, "Seller": "Anna", "Buyer": "public",
		"SellerBuilding": "bakery_1", "ResourceType": "bread", "PricePerResource": 2.0, "TargetAmount": 10.0,
	})

	acts, err := f.fabric.Create(f.ctx, "Gio", TypeFetchResource, Params{"contractId": "ct_bread"})
	require.NoError(t, err)
	require.NoError(t, f.fabric.Process(f.ctx, acts[0]))

	assert.Equal(t, "1.00", f.ducats("Gio"))
	assert.Equal(t, 10.0, f.count(ledger.AtBuilding("bakery_1", "Anna", "bread")))
	assert.True(t, model.IsAt(f.loadCitizen("Gio").Position, &model.Building{BuildingId: "bakery_1", Position: pos(2)}))
}

func TestAdjustWagesChain(t *testing.T) {
	f := newFixture(t)
	f.citizen("Marco", 100, pos(1), nil)
	f.building("shop_1", "bakery", "business", "Marco", pos(5), store.Fields{"Wages": 30.0})

	acts, err := f.fabric.Create(f.ctx, "Marco", TypeAdjustBusinessWages, Params{
		"businessBuildingId": "shop_1", "newWageAmount": 45.0,
	})
	require.NoError(t, err)
	require.Len(t, acts, 2)

	a1, a2 := acts[0], acts[1]
	assert.Equal(t, TypeGotoLocation, a1.Type)
	assert.Equal(t, TypeUpdateWageLedger, a2.Type)
	assert.Equal(t, now, a1.StartDate)
	assert.Equal(t, now.Add(30*time.Minute), a1.EndDate)
	assert.Equal(t, a1.EndDate, a2.StartDate)
	assert.Equal(t, now.Add(45*time.Minute), a2.EndDate)
	for _, a := range acts {
		assert.Equal(t, 20, a.Priority)
		assert.Equal(t, model.ActivityCreated, a.Status)
	}

	require.NoError(t, f.fabric.Process(f.ctx, a1))
	assert.Equal(t, pos(5), f.loadCitizen("Marco").Position)

	require.NoError(t, f.fabric.Process(f.ctx, a2))
	b, err := model.GetBuilding(f.ctx, f.store, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, 45.0, b.Wages)
}

func TestDeliverBatchDivertsWhenDestinationFull(t *testing.T) {
	f := newFixture(t)
	f.citizen("Piero", 0, pos(1), nil)
	f.citizen("Fabio", 500, pos(9), nil)
	f.building("stall_d", "market_stall", "business", "Fabio", pos(2), nil)
	f.building("stall_s", "market_stall", "business", "Stefano", pos(3), nil)
	f.stock(ledger.AtBuilding("stall_d", "Fabio", "fish"), 50)
	f.stock(ledger.AtBuilding("stall_s", "Stefano", "timber"), 30)
	f.stock(ledger.Carried("Piero", "Fabio", "bread"), 30)
	f.contract("ct_storage", store.Fields{
		"Type": model.ContractStorageQuery, "Buyer": "Fabio", "Seller": "Stefano",
		"SellerBuilding": "stall_s", "ResourceType": "bread", "PricePerResource": 0.1, "TargetAmount": 50.0,
	})

	acts, err := f.fabric.Create(f.ctx, "Piero", TypeDeliverResourceBatch, Params{
		"toBuildingId": "stall_d", "resourceType": "bread", "amount": 30.0, "buyer": "Fabio",
	})
	require.NoError(t, err)
	require.Len(t, acts, 1)

	err = f.fabric.Process(f.ctx, acts[0])
	fail := asFailure(t, err)
	assert.Equal(t, KindInsufficientCapacity, fail.Kind)
	assert.Equal(t, "destination_full; diverted", fail.Reason)

	pending := f.activities("Piero")
	var divert *model.Activity
	for _, a := range pending {
		if a.Type == TypeDeliverToStorage {
			divert = a
		}
	}
	require.NotNil(t, divert, "a deliver_to_storage activity is queued")
	assert.Equal(t, "stall_s", divert.ToBuilding)
	assert.Equal(t, "ct_storage", divert.ContractId)
	items, err := model.ParseResources(divert.Resources)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 20.0, items[0].Amount)

	require.NoError(t, f.fabric.Process(f.ctx, divert))
	assert.Equal(t, 20.0, f.count(ledger.AtBuilding("stall_s", "Fabio", "bread")))
	assert.Equal(t, 10.0, f.count(ledger.Carried("Piero", "Fabio", "bread")))
	assert.Equal(t, 50.0, f.count(ledger.AtBuilding("stall_d", "Fabio", "fish")))
}

func TestDeliverBatchPaysImportSplit(t *testing.T) {
	f := newFixture(t)
	f.citizen("Piero", 0, pos(1), nil)
	f.citizen("Fabio", 100, pos(9), nil)
	f.citizen("Merchant", 0, pos(8), nil)
	f.building("wh_1", "warehouse", "business", "Fabio", pos(2), nil)
	f.stock(ledger.Carried("Piero", "Fabio", "silk"), 2)
	f.contract("ct_import", store.Fields{
		"Type": model.ContractImport, "Buyer": "Fabio", "Seller": "Merchant",
		"BuyerBuilding": "wh_1", "ResourceType": "silk", "PricePerResource": 40.0, "TargetAmount": 2.0,
	})

	acts, err := f.fabric.Create(f.ctx, "Piero", TypeDeliverResourceBatch, Params{
		"toBuildingId": "wh_1", "contractId": "ct_import", "resourceType": "silk", "amount": 2.0,
	})
	require.NoError(t, err)
	require.NoError(t, f.fabric.Process(f.ctx, acts[len(acts)-1]))

	assert.Equal(t, "20.00", f.ducats("Fabio"))
	assert.Equal(t, "40.00", f.ducats("Merchant"))
	assert.Equal(t, "40.00", f.ducats(model.ForeignAccount))
	assert.Equal(t, 2.0, f.count(ledger.AtBuilding("wh_1", "Fabio", "silk")))
	assert.Zero(t, f.count(ledger.Carried("Piero", "Fabio", "silk")))
}

func TestLogisticsTwoStages(t *testing.T) {
	f := newFixture(t)
	f.citizen("Beppe", 0, pos(1), nil)
	f.citizen("Fabio", 100, pos(9), nil)
	f.citizen("Anna", 0, pos(2), nil)
	f.citizen("Guild", 0, pos(7), nil)
	f.building("bakery_1", "bakery", "business", "Anna", pos(2), nil)
	f.building("wh_1", "warehouse", "business", "Fabio", pos(3), nil)
	f.stock(ledger.AtBuilding("bakery_1", "Anna", "bread"), 10)
	f.contract("ct_bread", store.Fields{
		"Type": model.ContractPublicSell, "Seller": "Anna", "Buyer": "public",
		"SellerBuilding": "bakery_1", "ResourceType": "bread", "PricePerResource": 2.0, "TargetAmount": 10.0,
	})
	f.contract("ct_porter", store.Fields{
		"Type": model.ContractLogisticsRequest, "Buyer": "Fabio", "Seller": "Guild", "PricePerResource": 0.5,
	})

	acts, err := f.fabric.Create(f.ctx, "Beppe", TypeFetchForLogisticsClient, Params{
		"buyer": "Fabio", "contractId": "ct_bread", "toBuildingId": "wh_1",
		"amount": 5.0, "serviceContractId": "ct_porter",
	})
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, acts[0].EndDate, acts[1].StartDate)

	require.NoError(t, f.fabric.Process(f.ctx, acts[0]))
	assert.Equal(t, 5.0, f.count(ledger.Carried("Beppe", "Fabio", "bread")))
	assert.Equal(t, "90.00", f.ducats("Fabio"))
	assert.Equal(t, "10.00", f.ducats("Anna"))

	require.NoError(t, f.fabric.Process(f.ctx, acts[1]))
	assert.Equal(t, 5.0, f.count(ledger.AtBuilding("wh_1", "Fabio", "bread")))
	assert.Zero(t, f.count(ledger.Carried("Beppe", "Fabio", "bread")))
	assert.Equal(t, "87.50", f.ducats("Fabio"))
	assert.Equal(t, "2.50", f.ducats("Guild"))
}

func TestGotoWorkDepositsForOperator(t *testing.T) {
	f := newFixture(t)
	f.citizen("Luca", 0, pos(1), nil)
	f.citizen("Marco", 0, pos(9), nil)
	f.building("bakery_1", "bakery", "business", "Marco", pos(2), store.Fields{"Occupant": "Luca"})
	f.stock(ledger.Carried("Luca", "Marco", "flour"), 4)
	f.stock(ledger.Carried("Luca", "Luca", "bread"), 1)

	acts, err := f.fabric.Create(f.ctx, "Luca", TypeGotoWork, nil)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.NoError(t, f.fabric.Process(f.ctx, acts[0]))

	assert.Equal(t, 4.0, f.count(ledger.AtBuilding("bakery_1", "Marco", "flour")))
	assert.Equal(t, 1.0, f.count(ledger.Carried("Luca", "Luca", "bread")), "own goods stay with the citizen")
}

func TestGotoWorkStorageFull(t *testing.T) {
	f := newFixture(t)
	f.citizen("Luca", 0, pos(1), nil)
	f.citizen("Marco", 0, pos(9), nil)
	f.building("stall_1", "market_stall", "business", "Marco", pos(2), store.Fields{"Occupant": "Luca"})
	f.stock(ledger.AtBuilding("stall_1", "Marco", "fish"), 48)
	f.stock(ledger.Carried("Luca", "Marco", "flour"), 4)

	acts, err := f.fabric.Create(f.ctx, "Luca", TypeGotoWork, nil)
	require.NoError(t, err)
	require.NoError(t, f.fabric.Process(f.ctx, acts[0]), "arriving still succeeds")

	assert.Equal(t, 4.0, f.count(ledger.Carried("Luca", "Marco", "flour")))
	rel, err := f.env.Trust.Get(f.ctx, "Luca", "Marco")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Less(t, rel.TrustScore, 50.0)
}

func TestEatPrefersInventory(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 5, pos(1), nil)
	f.stock(ledger.Carried("Gio", "Gio", "bread"), 2)

	acts, err := f.fabric.Create(f.ctx, "Gio", TypeEat, nil)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, TypeEatFromInventory, acts[0].Type)

	require.NoError(t, f.fabric.Process(f.ctx, acts[0]))
	assert.Equal(t, 1.0, f.count(ledger.Carried("Gio", "Gio", "bread")))
	c := f.loadCitizen("Gio")
	require.NotNil(t, c.AteAt)
	assert.True(t, c.AteAt.Equal(now))
}

func TestEatAtTavernCompletesOffer(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 10, pos(1), nil)
	f.citizen("Rosa", 0, pos(2), nil)
	f.building("tavern_1", "tavern", "business", "Rosa", pos(2), nil)
	f.stock(ledger.AtBuilding("tavern_1", "Rosa", "fish"), 5)
	f.contract("ct_meal", store.Fields{
		"Type": model.ContractPublicSell, "Seller": "Rosa", "Buyer": "public",
		"SellerBuilding": "tavern_1", "ResourceType": "fish", "PricePerResource": 3.0, "TargetAmount": 1.0,
	})

	acts, err := f.fabric.Create(f.ctx, "Gio", TypeEat, nil)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, TypeGotoLocation, acts[0].Type)
	assert.Equal(t, TypeEatAtTavern, acts[1].Type)

	require.NoError(t, f.fabric.Process(f.ctx, acts[0]))
	require.NoError(t, f.fabric.Process(f.ctx, acts[1]))

	assert.Equal(t, "7.00", f.ducats("Gio"))
	assert.Equal(t, "3.00", f.ducats("Rosa"))
	assert.Equal(t, 4.0, f.count(ledger.AtBuilding("tavern_1", "Rosa", "fish")))
	ct, err := model.GetContract(f.ctx, f.store, "ct_meal")
	require.NoError(t, err)
	assert.Equal(t, model.ContractCompleted, ct.Status)
	assert.Zero(t, ct.TargetAmount)
}

func TestEatWithNothingAvailableFails(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 10, pos(1), nil)

	_, err := f.fabric.Create(f.ctx, "Gio", TypeEat, nil)
	assert.Equal(t, KindEntityMissing, asFailure(t, err).Kind)
	assert.Empty(t, f.activities("Gio"))
}

func TestChainStartsAfterPendingActivities(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 10, pos(1), nil)
	first, err := f.fabric.Create(f.ctx, "Gio", TypeIdle, Params{"durationHours": 2.0})
	require.NoError(t, err)
	require.Len(t, first, 1)

	later := now.Add(3 * time.Hour).Format(time.RFC3339)
	second, err := f.fabric.Create(f.ctx, "Gio", TypeIdle, Params{"startTimeUtcIso": later})
	require.NoError(t, err)
	assert.Equal(t, now.Add(3*time.Hour), second[0].StartDate, "explicit start wins when later")

	third, err := f.fabric.Create(f.ctx, "Gio", TypeIdle, nil)
	require.NoError(t, err)
	assert.Equal(t, second[0].EndDate, third[0].StartDate, "pending activities push the start")
}

func TestUnknownTypes(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 10, pos(1), nil)

	_, err := f.fabric.Create(f.ctx, "Gio", "juggle", nil)
	assert.Equal(t, KindMissingData, asFailure(t, err).Kind)

	err = f.fabric.Process(f.ctx, &model.Activity{Type: "juggle", Citizen: "Gio"})
	assert.Contains(t, asFailure(t, err).Reason, "unknown activity type")

	_, err = f.fabric.Create(f.ctx, "Nobody", TypeIdle, nil)
	assert.Equal(t, KindEntityMissing, asFailure(t, err).Kind)
}

func TestPrayGrantsInfluence(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 10, pos(1), store.Fields{"Influence": 5.0})
	f.citizen("Padre", 0, pos(4), nil)
	f.building("church_1", "parish_church", "business", "Padre", pos(4), nil)

	acts, err := f.fabric.Create(f.ctx, "Gio", TypePray, nil)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	for _, a := range acts {
		require.NoError(t, f.fabric.Process(f.ctx, a))
	}
	assert.Equal(t, 7.0, f.loadCitizen("Gio").Influence)
	rel, err := f.env.Trust.Get(f.ctx, "Gio", "Padre")
	require.NoError(t, err)
	require.NotNil(t, rel)
}

func TestSpreadRumor(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gossip", 10, pos(1), nil)
	f.citizen("Listener", 10, pos(6), nil)
	f.citizen("Victim", 10, pos(8), nil)
	f.building("market_1", "market_stall", "business", "Someone", pos(6), nil)

	acts, err := f.fabric.Create(f.ctx, "Gossip", TypeSpreadRumor, Params{
		"targetBuildingId": "market_1", "rumorText": "Victim waters the wine", "targetCitizen": "Victim",
	})
	require.NoError(t, err)
	require.Len(t, acts, 2)
	for _, a := range acts {
		require.NoError(t, f.fabric.Process(f.ctx, a))
	}

	rel, err := f.env.Trust.Get(f.ctx, "Listener", "Victim")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Less(t, rel.TrustScore, 50.0)

	msgs, err := model.List[model.Message](f.ctx, f.store, store.Messages, store.Query{Filter: store.Eq("Receiver", "Listener")})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Victim waters the wine", msgs[0].Content)
}

func TestImportAgreementCreatesThenRenews(t *testing.T) {
	f := newFixture(t)
	f.citizen("Fabio", 10, pos(1), nil)
	f.building("customs_1", "customs_house", "business", model.StateAccount, pos(3), nil)

	run := func(amount float64) {
		acts, err := f.fabric.Create(f.ctx, "Fabio", TypeRegisterImportAgreement, Params{
			"resourceType": "timber", "targetAmount": amount,
		})
		require.NoError(t, err)
		for _, a := range acts {
			require.NoError(t, f.fabric.Process(f.ctx, a))
			_, err := f.store.Update(f.ctx, store.Activities, a.RecordID, store.Fields{"Status": model.ActivityProcessed})
			require.NoError(t, err)
		}
	}
	run(20)
	run(35)

	cts, err := model.List[model.Contract](f.ctx, f.store, store.Contracts, store.Query{Filter: store.Eq("Type", model.ContractImport)})
	require.NoError(t, err)
	require.Len(t, cts, 1)
	assert.Equal(t, 35.0, cts[0].TargetAmount)
	assert.Equal(t, 5.0, cts[0].PricePerResource, "catalog import price by default")
	assert.Equal(t, model.ForeignAccount, cts[0].Seller)
}

func TestFailureNote(t *testing.T) {
	f := Fail(KindInsufficientFunds, "pay", "short by %d", 3)
	notes := FailureNote("Planned", f, now)
	assert.Equal(t, "Planned\n[FAILURE @ pay - 1525-03-04T10:00:00Z] short by 3", notes)
	assert.Equal(t, f, AsFailure(f, "x"))
	assert.Equal(t, KindSystemError, AsFailure(errors.New("boom"), "tick").Kind)
}

func TestWorkerRunsAndStops(t *testing.T) {
	w := NewWorker(4, time.Second)
	w.Start(context.Background())
	done := make(chan string, 1)
	require.True(t, w.Submit(func(context.Context) { done <- "ran" }))
	w.Stop()
	assert.Equal(t, "ran", <-done)

	var nilWorker *Worker
	assert.False(t, nilWorker.Submit(func(context.Context) {}))
}

func TestEatAtHome(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 0, pos(1), nil)
	f.building("home_1", "canal_house", "home", "Marco", pos(2), store.Fields{"Occupant": "Gio"})
	f.stock(ledger.AtBuilding("home_1", "Gio", "bread"), 2)

	acts, err := f.fabric.Create(f.ctx, "Gio", TypeEat, nil)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, TypeGotoHome, acts[0].Type)
	assert.Equal(t, TypeEatAtHome, acts[1].Type)
	assert.True(t, acts[1].StartDate.Equal(acts[0].EndDate))

	for _, a := range acts {
		require.NoError(t, f.fabric.Process(f.ctx, a))
	}
	assert.Equal(t, 1.0, f.count(ledger.AtBuilding("home_1", "Gio", "bread")))
	c := f.loadCitizen("Gio")
	require.NotNil(t, c.AteAt)
	assert.True(t, c.AteAt.Equal(now))
}

func TestEatAtHomeWithEmptyLarder(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 0, pos(1), nil)
	f.building("home_1", "canal_house", "home", "Marco", pos(2), store.Fields{"Occupant": "Gio"})
	f.stock(ledger.AtBuilding("home_1", "Gio", "bread"), 1)

	acts, err := f.fabric.Create(f.ctx, "Gio", TypeEat, nil)
	require.NoError(t, err)
	_, err = ledger.Adjust(f.ctx, f.store, ledger.AtBuilding("home_1", "Gio", "bread"), -1, now, "")
	require.NoError(t, err)

	err = f.fabric.Process(f.ctx, acts[1])
	assert.Equal(t, KindInsufficientStock, asFailure(t, err).Kind)
	assert.Nil(t, f.loadCitizen("Gio").AteAt)
}

func TestDrinkAtInn(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 10, pos(1), nil)
	f.citizen("Rosa", 0, pos(2), nil)
	f.building("inn_1", "inn", "business", "Rosa", pos(2), nil)
	f.stock(ledger.AtBuilding("inn_1", "Rosa", "wine"), 3)
	f.contract("ct_wine", store.Fields{
		"Type": model.ContractPublicSell, "Seller": "Rosa", "Buyer": "public",
		"SellerBuilding": "inn_1", "ResourceType": "wine", "PricePerResource": 2.0, "TargetAmount": 5.0,
	})

	acts, err := f.fabric.Create(f.ctx, "Gio", TypeDrinkAtInn, nil)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, TypeGotoLocation, acts[0].Type)
	assert.Equal(t, TypeDrinkAtInn, acts[1].Type)
	assert.Equal(t, "ct_wine", acts[1].ContractId)

	for _, a := range acts {
		require.NoError(t, f.fabric.Process(f.ctx, a))
	}
	assert.Equal(t, "8.00", f.ducats("Gio"))
	assert.Equal(t, "2.00", f.ducats("Rosa"))
	assert.Equal(t, 2.0, f.count(ledger.AtBuilding("inn_1", "Rosa", "wine")))

	ct, err := model.GetContract(f.ctx, f.store, "ct_wine")
	require.NoError(t, err)
	assert.Equal(t, model.ContractActive, ct.Status)
	assert.Equal(t, 4.0, ct.TargetAmount)

	rel, err := f.env.Trust.Get(f.ctx, "Gio", "Rosa")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Greater(t, rel.TrustScore, 50.0)
}

func TestDrinkAtInnWithoutMoney(t *testing.T) {
	f := newFixture(t)
	f.citizen("Gio", 10, pos(1), nil)
	f.citizen("Rosa", 0, pos(2), nil)
	f.building("inn_1", "inn", "business", "Rosa", pos(2), nil)
	f.stock(ledger.AtBuilding("inn_1", "Rosa", "wine"), 3)
	f.contract("ct_wine", store.Fields{
		"Type": model.ContractPublicSell, "Seller": "Rosa", "Buyer": "public",
		"SellerBuilding": "inn_1", "ResourceType": "wine", "PricePerResource": 2.0, "TargetAmount": 5.0,
	})
	acts, err := f.fabric.Create(f.ctx, "Gio", TypeDrinkAtInn, nil)
	require.NoError(t, err)

	_, err = f.store.Update(f.ctx, store.Citizens, f.loadCitizen("Gio").RecordID, store.Fields{"Ducats": 0})
	require.NoError(t, err)

	err = f.fabric.Process(f.ctx, acts[1])
	assert.Equal(t, KindInsufficientFunds, asFailure(t, err).Kind)
	assert.Equal(t, 3.0, f.count(ledger.AtBuilding("inn_1", "Rosa", "wine")))
	assert.Equal(t, "0.00", f.ducats("Rosa"))
}

func TestDeliverToBuyerHandsOverCargo(t *testing.T) {
	f := newFixture(t)
	f.citizen("Piero", 0, pos(1), nil)
	f.citizen("Marco", 100, pos(9), nil)
	f.building("stall_1", "market_stall", "business", "Marco", pos(2), nil)
	f.stock(ledger.Carried("Piero", "Marco", "fish"), 10)
	f.stock(ledger.Carried("Piero", "Piero", "fish"), 3)

	acts, err := f.fabric.Create(f.ctx, "Piero", TypeDeliverResourceToBuyer, Params{
		"buyer": "Marco", "toBuildingId": "stall_1", "resourceType": "fish", "amount": 10.0,
	})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "stall_1", acts[0].ToBuilding)

	require.NoError(t, f.fabric.Process(f.ctx, acts[0]))
	assert.Equal(t, 10.0, f.count(ledger.AtBuilding("stall_1", "Marco", "fish")))
	assert.Zero(t, f.count(ledger.Carried("Piero", "Marco", "fish")))
	assert.Equal(t, 3.0, f.count(ledger.Carried("Piero", "Piero", "fish")), "the porter keeps its own goods")
	assert.Equal(t, "100.00", f.ducats("Marco"), "the hand-over itself moves no money")

	stall, err := model.GetBuilding(f.ctx, f.store, "stall_1")
	require.NoError(t, err)
	assert.True(t, model.IsAt(f.loadCitizen("Piero").Position, stall))

	rel, err := f.env.Trust.Get(f.ctx, "Marco", "Piero")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Greater(t, rel.TrustScore, 50.0)
}

func TestDeliverToBuyerDestinationFull(t *testing.T) {
	f := newFixture(t)
	f.citizen("Piero", 0, pos(1), nil)
	f.citizen("Marco", 100, pos(9), nil)
	f.building("stall_1", "market_stall", "business", "Marco", pos(2), nil)
	f.stock(ledger.AtBuilding("stall_1", "Marco", "fish"), 45)
	f.stock(ledger.Carried("Piero", "Marco", "fish"), 10)

	acts, err := f.fabric.Create(f.ctx, "Piero", TypeDeliverResourceToBuyer, Params{
		"buyer": "Marco", "toBuildingId": "stall_1", "resourceType": "fish", "amount": 10.0,
	})
	require.NoError(t, err)

	err = f.fabric.Process(f.ctx, acts[0])
	assert.Equal(t, KindInsufficientCapacity, asFailure(t, err).Kind)
	assert.Equal(t, 10.0, f.count(ledger.Carried("Piero", "Marco", "fish")))
	assert.Equal(t, 45.0, f.count(ledger.AtBuilding("stall_1", "Marco", "fish")))
}

func TestDeliverToBuyerNeedsBuyer(t *testing.T) {
	f := newFixture(t)
	f.citizen("Piero", 0, pos(1), nil)
	f.building("stall_1", "market_stall", "business", "Marco", pos(2), nil)

	_, err := f.fabric.Create(f.ctx, "Piero", TypeDeliverResourceToBuyer, Params{
		"toBuildingId": "stall_1", "resourceType": "fish", "amount": 10.0,
	})
	assert.Equal(t, KindMissingData, asFailure(t, err).Kind)
}
