// Package economy moves Ducats between citizens and journals every
// transfer as a Transaction. Amounts are decimals; a payer can never be
// overdrawn.
package economy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

// Failure kinds reported in PayResult.
const (
	FailInsufficientFunds = "insufficient_funds"
	FailEntityMissing     = "entity_missing"
)

// Payment describes one transfer.
type Payment struct {
	From   string
	To     string
	Amount decimal.Decimal
	Reason string
	// Type overrides the transaction type derived from Reason.
	Type      string
	AssetType string
	Asset     string
	Details   map[string]any
}

// PayResult is the outcome of a transfer. Domain failures are reported
// here; the error return is reserved for store failures.
type PayResult struct {
	OK           bool
	Failure      string
	Transactions []*model.Transaction
}

// Economy performs payments against a store.
type Economy struct {
	Store store.Store
	Trust *relationships.Engine
	Now   func() time.Time
}

// New creates an economy on s that records trust through trust.
func New(s store.Store, trust *relationships.Engine) *Economy {
	return &Economy{Store: s, Trust: trust, Now: func() time.Time { return time.Now().UTC() }}
}

// TransactionType derives the journal type from a payment reason.
func TransactionType(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "fee"):
		return "fee_payment"
	case strings.Contains(r, "wage"):
		return "wage_payment"
	case strings.Contains(r, "rent"):
		return "rent_payment"
	default:
		return "expense"
	}
}

// Pay transfers p.Amount from p.From to p.To. If the payer cannot cover
// it, nothing moves, the payer is notified and trust toward the payee
// drops. A payment to oneself succeeds without a journal entry.
func (e *Economy) Pay(ctx context.Context, p Payment) (PayResult, error) {
	return e.PayAll(ctx, p)
}

// PayAll performs several transfers as one commercial event: funds are
// checked for the whole sequence before any balance changes, so either
// every payment lands or none does. Later payments may spend what
// earlier ones credited.
func (e *Economy) PayAll(ctx context.Context, payments ...Payment) (PayResult, error) {
	now := e.Now()
	accounts := map[string]*model.Citizen{}
	balances := map[string]decimal.Decimal{}
	for _, p := range payments {
		for _, u := range []string{p.From, p.To} {
			if _, ok := accounts[u]; ok {
				continue
			}
			c, err := e.account(ctx, u)
			if errors.Is(err, store.ErrNotFound) {
				e.partyMissing(ctx, p, u, now)
				return PayResult{Failure: FailEntityMissing}, nil
			}
			if err != nil {
				return PayResult{}, err
			}
			accounts[u] = c
			balances[u] = c.Ducats
		}
	}

	for _, p := range payments {
		if p.Amount.IsNegative() {
			return PayResult{}, fmt.Errorf("pay %s -> %s: negative amount %s", p.From, p.To, p.Amount)
		}
		if p.From == p.To {
			continue
		}
		if p.Amount.IsPositive() && balances[p.From].LessThan(p.Amount) {
			e.insufficientFunds(ctx, p, balances[p.From], now)
			return PayResult{Failure: FailInsufficientFunds}, nil
		}
		balances[p.From] = balances[p.From].Sub(p.Amount)
		balances[p.To] = balances[p.To].Add(p.Amount)
	}

	// Net payers are debited before net receivers are credited.
	var written []string
	rollback := func() {
		for _, u := range written {
			if _, err := e.Store.Update(ctx, store.Citizens, accounts[u].RecordID,
				store.Fields{"Ducats": accounts[u].Ducats}); err != nil {
				slog.Error("ducat rollback failed", "citizen", u, "error", err)
			}
		}
	}
	for _, u := range orderedParties(payments, accounts, balances) {
		if _, err := e.Store.Update(ctx, store.Citizens, accounts[u].RecordID,
			store.Fields{"Ducats": balances[u]}); err != nil {
			rollback()
			return PayResult{}, fmt.Errorf("update ducats of %s: %w", u, err)
		}
		written = append(written, u)
	}

	res := PayResult{OK: true}
	for _, p := range payments {
		if p.From == p.To {
			continue
		}
		tx, err := e.journal(ctx, p, now)
		if err != nil {
			// The money has moved; a missing journal row is logged, not undone.
			slog.Error("journal write failed", "from", p.From, "to", p.To, "amount", p.Amount, "error", err)
			continue
		}
		res.Transactions = append(res.Transactions, tx)
		slog.Debug("payment", "from", p.From, "to", p.To, "amount", p.Amount.StringFixed(2), "type", tx.Type)
	}
	return res, nil
}

// orderedParties lists the accounts whose balance changed, net payers
// before net receivers.
func orderedParties(payments []Payment, accounts map[string]*model.Citizen, balances map[string]decimal.Decimal) []string {
	var payers, payees []string
	seen := map[string]bool{}
	for _, p := range payments {
		for _, u := range []string{p.From, p.To} {
			if seen[u] {
				continue
			}
			seen[u] = true
			switch balances[u].Cmp(accounts[u].Ducats) {
			case -1:
				payers = append(payers, u)
			case 1:
				payees = append(payees, u)
			}
		}
	}
	return append(payers, payees...)
}

func (e *Economy) journal(ctx context.Context, p Payment, now time.Time) (*model.Transaction, error) {
	typ := p.Type
	if typ == "" {
		typ = TransactionType(p.Reason)
	}
	notes := map[string]any{"reason": p.Reason}
	for k, v := range p.Details {
		notes[k] = v
	}
	body, _ := json.Marshal(notes)
	tx := &model.Transaction{
		TransactionId: model.NewID("tx"),
		Type:          typ,
		AssetType:     p.AssetType,
		Asset:         p.Asset,
		Seller:        p.To,
		Buyer:         p.From,
		Price:         p.Amount,
		Notes:         string(body),
		CreatedAt:     now,
		ExecutedAt:    now,
	}
	fields, err := model.ToFields(tx)
	if err != nil {
		return nil, err
	}
	rec, err := e.Store.Create(ctx, store.Transactions, fields)
	if err != nil {
		return nil, err
	}
	tx.RecordID = rec.ID
	return tx, nil
}

func (e *Economy) insufficientFunds(ctx context.Context, p Payment, balance decimal.Decimal, now time.Time) {
	slog.Warn("insufficient funds", "from", p.From, "to", p.To,
		"amount", p.Amount.StringFixed(2), "balance", balance.StringFixed(2), "reason", p.Reason)
	Notify(ctx, e.Store, now, p.From, "insufficient_funds",
		fmt.Sprintf("⚠️ Insufficient funds: you could not pay %s Ducats to %s for %s.", p.Amount.StringFixed(2), p.To, p.Reason),
		map[string]any{"payee": p.To, "amount": p.Amount, "balance": balance, "reason": p.Reason})
	e.Trust.Trust(ctx, p.From, p.To, -relationships.Medium, "payment", false, FailInsufficientFunds)
}

// partyMissing tells an existing payer that the payee could not be found.
// A missing payer has no one to tell.
func (e *Economy) partyMissing(ctx context.Context, p Payment, missing string, now time.Time) {
	slog.Warn("payment party missing", "citizen", missing, "from", p.From, "to", p.To, "reason", p.Reason)
	if missing == p.From {
		return
	}
	Notify(ctx, e.Store, now, p.From, "payment_failed",
		fmt.Sprintf("⚠️ Payment failed: %s could not be found to receive %s Ducats for %s.", missing, p.Amount.StringFixed(2), p.Reason),
		map[string]any{"payee": missing, "amount": p.Amount, "reason": p.Reason})
}

// account loads a citizen, provisioning the state and foreign accounts
// on first use.
func (e *Economy) account(ctx context.Context, username string) (*model.Citizen, error) {
	c, err := model.GetCitizen(ctx, e.Store, username)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return c, err
	}
	if username != model.StateAccount && username != model.ForeignAccount {
		return nil, err
	}
	rec, err := e.Store.Create(ctx, store.Citizens, store.Fields{
		"Username":  username,
		"IsAI":      false,
		"Ducats":    decimal.Zero,
		"Influence": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", username, err)
	}
	slog.Info("provisioned institutional account", "citizen", username)
	return model.Decode[model.Citizen](rec)
}

// Balance returns a citizen's Ducats.
func (e *Economy) Balance(ctx context.Context, username string) (decimal.Decimal, error) {
	c, err := model.GetCitizen(ctx, e.Store, username)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Ducats, nil
}
