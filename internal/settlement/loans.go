package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/serenissima/engine/internal/economy"
	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/relationships"
	"github.com/serenissima/engine/internal/store"
)

// Loans collects one installment on every active loan.
type Loans struct{ *Deps }

func (Loans) Name() string { return "daily_loan_payments" }

func (j Loans) Run(ctx context.Context, o Options) (*Summary, error) {
	now := o.now()
	sum := newSummary(j.Name(), o)
	loans, err := model.List[model.Loan](ctx, j.Store, store.Loans, store.Query{
		Filter: store.Eq("Status", model.LoanActive),
		Sort:   []store.Sort{{Field: "CreatedAt"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	for _, l := range loans {
		each(sum, l.LoanId, func() error { return j.collect(ctx, o, sum, l, now) })
	}
	return finish(ctx, j.Deps, sum, now), nil
}

func (j Loans) collect(ctx context.Context, o Options, sum *Summary, l *model.Loan, now time.Time) error {
	if settledWithin(l.LastPaymentDate, now, DailyWindow) {
		sum.skip()
		return nil
	}
	for _, party := range []string{l.Borrower, l.Lender} {
		_, err := model.GetCitizen(ctx, j.Store, party)
		if party == "" || errors.Is(err, store.ErrNotFound) {
			j.notifyBoth(ctx, l, now, "loan_payment_failed",
				fmt.Sprintf("⚠️ %s could not be serviced: %q is not a citizen.", loanLabel(l), party))
			sum.fail(l.LoanId, "party %q missing", party)
			return nil
		}
		if err != nil {
			return err
		}
	}
	amount := decimal.Min(l.PaymentAmount, l.RemainingBalance)
	if !amount.IsPositive() {
		sum.skip()
		return j.close(ctx, o, l, now)
	}
	if o.DryRun {
		sum.success(l.Borrower, l.Lender, amount)
		return nil
	}
	res, err := j.Economy.Pay(ctx, economy.Payment{
		From:      l.Borrower,
		To:        l.Lender,
		Amount:    amount,
		Reason:    "loan installment for " + loanLabel(l),
		Type:      "loan_payment",
		AssetType: "loan",
		Asset:     l.LoanId,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		economy.Notify(ctx, j.Store, now, l.Lender, "loan_payment_missed",
			fmt.Sprintf("⚠️ %s missed a %s Ducats installment on %s.", l.Borrower, amount.StringFixed(2), loanLabel(l)),
			map[string]any{"loan": l.LoanId, "amount": amount})
		sum.fail(l.LoanId, "%s: %s", res.Failure, l.Borrower)
		return nil
	}
	remaining := l.RemainingBalance.Sub(amount)
	fields := store.Fields{"RemainingBalance": remaining, "LastPaymentDate": now}
	if !remaining.IsPositive() {
		fields["Status"] = model.LoanPaid
	}
	if _, err := j.Store.Update(ctx, store.Loans, l.RecordID, fields); err != nil {
		return fmt.Errorf("update loan %s: %w", l.LoanId, err)
	}
	msg := fmt.Sprintf("💳 Installment of %s Ducats paid on %s; %s remaining.", amount.StringFixed(2), loanLabel(l), remaining.StringFixed(2))
	if !remaining.IsPositive() {
		msg = fmt.Sprintf("✅ %s is fully repaid.", loanLabel(l))
	}
	j.notifyBoth(ctx, l, now, "loan_payment", msg)
	j.Trust.Trust(ctx, l.Borrower, l.Lender, relationships.Progress, "loan_payment", true, "")
	sum.success(l.Borrower, l.Lender, amount)
	return nil
}

// close marks a loan with nothing left to pay as paid.
func (j Loans) close(ctx context.Context, o Options, l *model.Loan, now time.Time) error {
	if o.DryRun {
		return nil
	}
	_, err := j.Store.Update(ctx, store.Loans, l.RecordID, store.Fields{"Status": model.LoanPaid, "LastPaymentDate": now})
	return err
}

func (j Loans) notifyBoth(ctx context.Context, l *model.Loan, now time.Time, typ, content string) {
	details := map[string]any{"loan": l.LoanId, "remaining": l.RemainingBalance}
	economy.Notify(ctx, j.Store, now, l.Borrower, typ, content, details)
	economy.Notify(ctx, j.Store, now, l.Lender, typ, content, details)
}

func loanLabel(l *model.Loan) string {
	if l.Name != "" {
		return l.Name
	}
	return "loan " + l.LoanId
}
