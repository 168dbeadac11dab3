package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"chat-engine/internal/status"
	"chat-engine/models"
	"chat-engine/utils"
)

type walletRow struct {
	CustomerID string `db:"customer_id"`
	Balance    int64  `db:"balance"`
	UpdatedAt  int64  `db:"updated_at"`
}

type walletTransactionRow struct {
	ID           string `db:"id"`
	CustomerID   string `db:"customer_id"`
	SessionID    string `db:"session_id"`
	Kind         string `db:"kind"`
	Amount       int64  `db:"amount"`
	BalanceAfter int64  `db:"balance_after"`
	Reference    string `db:"reference"`
	CreatedAt    int64  `db:"created_at"`
}

func (r walletTransactionRow) model() models.WalletTransaction {
	return models.WalletTransaction{
		ID:           r.ID,
		CustomerID:   r.CustomerID,
		SessionID:    r.SessionID,
		Kind:         models.TransactionKind(r.Kind),
		Amount:       models.Amount(r.Amount),
		BalanceAfter: models.Amount(r.BalanceAfter),
		Reference:    r.Reference,
		CreatedAt:    fromMillis(r.CreatedAt),
	}
}

type earningRow struct {
	ID         string `db:"id"`
	ProviderID string `db:"provider_id"`
	SessionID  string `db:"session_id"`
	Amount     int64  `db:"amount"`
	CreatedAt  int64  `db:"created_at"`
}

// Wallet returns the customer's wallet. A customer without a row has a zero
// balance.
func (q *Queries) Wallet(ctx context.Context, customerID string) (models.Wallet, error) {
	var row walletRow
	err := q.db.NewQuery("SELECT customer_id, balance, updated_at FROM wallets WHERE customer_id = {:customer}").
		Bind(dbx.Params{"customer": customerID}).
		WithContext(ctx).
		One(&row)
	if isNoRows(err) {
		return models.Wallet{CustomerID: customerID}, nil
	} else if err != nil {
		return models.Wallet{}, fmt.Errorf("get wallet %s: %w", customerID, err)
	}
	return models.Wallet{
		CustomerID: row.CustomerID,
		Balance:    models.Amount(row.Balance),
		UpdatedAt:  fromMillis(row.UpdatedAt),
	}, nil
}

func (q *Queries) Balance(ctx context.Context, customerID string) (models.Amount, error) {
	w, err := q.Wallet(ctx, customerID)
	return w.Balance, err
}

// Debit takes amount from the wallet only if the balance covers it and
// appends the matching ledger row. It returns ErrInsufficientBalance and
// changes nothing otherwise.
func (q *Queries) Debit(ctx context.Context, customerID, sessionID string, amount models.Amount, now time.Time) (models.Amount, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit %s: negative amount %d: %w", customerID, amount, status.ErrInvalidArgument)
	}

	res, err := q.db.NewQuery(`
		UPDATE wallets
		SET balance = balance - {:amount}, updated_at = {:now}
		WHERE customer_id = {:customer} AND balance >= {:amount}`).
		Bind(dbx.Params{"amount": int64(amount), "now": toMillis(now), "customer": customerID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("debit %s: %w", customerID, err)
	}
	if n, err := affected(res); err != nil {
		return 0, fmt.Errorf("debit %s: %w", customerID, err)
	} else if n == 0 {
		return 0, fmt.Errorf("debit %s by %s: %w", customerID, amount, status.ErrInsufficientBalance)
	}

	balance, err := q.Balance(ctx, customerID)
	if err != nil {
		return 0, err
	}

	if err := q.appendTransaction(ctx, models.WalletTransaction{
		CustomerID:   customerID,
		SessionID:    sessionID,
		Kind:         models.TransactionDebit,
		Amount:       amount,
		BalanceAfter: balance,
		CreatedAt:    now,
	}); err != nil {
		return 0, err
	}
	return balance, nil
}

// Credit tops up a wallet, creating it on first use.
func (q *Queries) Credit(ctx context.Context, customerID string, amount models.Amount, reference string, now time.Time) (models.Amount, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit %s: amount must be positive: %w", customerID, status.ErrInvalidArgument)
	}

	_, err := q.db.NewQuery(`
		INSERT INTO wallets (customer_id, balance, updated_at)
		VALUES ({:customer}, {:amount}, {:now})
		ON CONFLICT (customer_id) DO UPDATE
		SET balance = balance + excluded.balance, updated_at = excluded.updated_at`).
		Bind(dbx.Params{"customer": customerID, "amount": int64(amount), "now": toMillis(now)}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", customerID, err)
	}

	balance, err := q.Balance(ctx, customerID)
	if err != nil {
		return 0, err
	}

	if err := q.appendTransaction(ctx, models.WalletTransaction{
		CustomerID:   customerID,
		Kind:         models.TransactionCredit,
		Amount:       amount,
		BalanceAfter: balance,
		Reference:    reference,
		CreatedAt:    now,
	}); err != nil {
		return 0, err
	}
	return balance, nil
}

func (q *Queries) appendTransaction(ctx context.Context, t models.WalletTransaction) error {
	if t.ID == "" {
		t.ID = utils.NewID()
	}
	_, err := q.db.Insert("wallet_transactions", dbx.Params{
		"id":            t.ID,
		"customer_id":   t.CustomerID,
		"session_id":    t.SessionID,
		"kind":          string(t.Kind),
		"amount":        int64(t.Amount),
		"balance_after": int64(t.BalanceAfter),
		"reference":     t.Reference,
		"created_at":    toMillis(t.CreatedAt),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("append %s transaction for %s: %w", t.Kind, t.CustomerID, err)
	}
	return nil
}

// Transactions lists a customer's ledger, oldest first.
func (q *Queries) Transactions(ctx context.Context, customerID string) ([]models.WalletTransaction, error) {
	var rows []walletTransactionRow
	err := q.db.NewQuery(`
		SELECT id, customer_id, session_id, kind, amount, balance_after, reference, created_at
		FROM wallet_transactions
		WHERE customer_id = {:customer}
		ORDER BY created_at, rowid`).
		Bind(dbx.Params{"customer": customerID}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", customerID, err)
	}

	out := make([]models.WalletTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// RecordEarning appends one provider earning row.
func (q *Queries) RecordEarning(ctx context.Context, providerID, sessionID string, amount models.Amount, now time.Time) error {
	_, err := q.db.Insert("provider_earnings", dbx.Params{
		"id":          utils.NewID(),
		"provider_id": providerID,
		"session_id":  sessionID,
		"amount":      int64(amount),
		"created_at":  toMillis(now),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("record earning for %s: %w", providerID, err)
	}
	return nil
}

func (q *Queries) Earnings(ctx context.Context, providerID string) ([]models.ProviderEarning, error) {
	var rows []earningRow
	err := q.db.NewQuery(`
		SELECT id, provider_id, session_id, amount, created_at
		FROM provider_earnings
		WHERE provider_id = {:provider}
		ORDER BY created_at, rowid`).
		Bind(dbx.Params{"provider": providerID}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list earnings for %s: %w", providerID, err)
	}

	out := make([]models.ProviderEarning, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ProviderEarning{
			ID:         r.ID,
			ProviderID: r.ProviderID,
			SessionID:  r.SessionID,
			Amount:     models.Amount(r.Amount),
			CreatedAt:  fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}
