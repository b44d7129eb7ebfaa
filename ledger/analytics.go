/*
analytics.go - Derived, read-only aggregation over the transaction history

Purely a consumer of the Store's range query: no invariants of its own
beyond matching the transaction set it summarizes. Reversal records (failed
transfer legs) are excluded from the per-type totals and tracked separately;
in NetChange they cancel their completed transfer_out counterpart, so a
compensated transfer nets to zero.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Summary aggregates an account's transactions over a time window.
type Summary struct {
	AccountID AccountID
	From, To  time.Time

	Count             int
	TotalDeposits     decimal.Decimal
	TotalWithdrawals  decimal.Decimal
	TotalTransfersIn  decimal.Decimal
	TotalTransfersOut decimal.Decimal
	// TotalReversed is the amount re-credited by compensations in the window.
	TotalReversed decimal.Decimal
	ReversalCount int

	// NetChange is the sum of every applied balance effect in the window,
	// reversals included.
	NetChange decimal.Decimal

	Largest decimal.Decimal
	Average decimal.Decimal

	HighValueCount int

	ByType map[TransactionType]int
	// ByDay counts records per UTC calendar day ("2006-01-02").
	ByDay map[string]int
}

// Analytics computes summaries from the transaction log.
type Analytics struct {
	Log                TransactionLog
	HighValueThreshold decimal.Decimal
}

func NewAnalytics(log TransactionLog, highValueThreshold decimal.Decimal) *Analytics {
	if highValueThreshold.IsZero() {
		highValueThreshold = DefaultHighValueThreshold
	}
	return &Analytics{Log: log, HighValueThreshold: highValueThreshold}
}

// Summarize aggregates the records with timestamps in [from, to].
func (a *Analytics) Summarize(ctx context.Context, id AccountID, from, to time.Time) (*Summary, error) {
	txs, err := a.Log.LoadTransactionsRange(ctx, id, from, to)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		AccountID: id,
		From:      from,
		To:        to,
		Count:     len(txs),
		ByType:    make(map[TransactionType]int),
		ByDay:     make(map[string]int),
	}

	total := decimal.Zero
	for i := range txs {
		tx := &txs[i]

		s.NetChange = s.NetChange.Add(tx.Signed())
		s.ByDay[tx.Timestamp.UTC().Format("2006-01-02")]++

		if tx.Status == TxFailed {
			s.TotalReversed = s.TotalReversed.Add(tx.Amount)
			s.ReversalCount++
			continue
		}

		s.ByType[tx.Type]++
		total = total.Add(tx.Amount)

		switch tx.Type {
		case TxDeposit:
			s.TotalDeposits = s.TotalDeposits.Add(tx.Amount)
		case TxWithdrawal:
			s.TotalWithdrawals = s.TotalWithdrawals.Add(tx.Amount)
		case TxTransferIn:
			s.TotalTransfersIn = s.TotalTransfersIn.Add(tx.Amount)
		case TxTransferOut:
			s.TotalTransfersOut = s.TotalTransfersOut.Add(tx.Amount)
		}

		if tx.Amount.GreaterThan(s.Largest) {
			s.Largest = tx.Amount
		}
		if tx.Amount.GreaterThanOrEqual(a.HighValueThreshold) {
			s.HighValueCount++
		}
	}

	completed := s.Count - s.ReversalCount
	if completed > 0 {
		s.Average = total.Div(decimal.NewFromInt(int64(completed))).Round(4)
	}
	return s, nil
}

// Recent summarizes the trailing number of days ending now.
func (a *Analytics) Recent(ctx context.Context, id AccountID, days int, now time.Time) (*Summary, error) {
	if days <= 0 {
		days = 30
	}
	return a.Summarize(ctx, id, now.AddDate(0, 0, -days), now)
}
