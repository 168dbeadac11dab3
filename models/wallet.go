package models

import (
	"time"
)

type Wallet struct {
	CustomerID string    `json:"customer_id"`
	Balance    Amount    `json:"balance"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionCredit TransactionKind = "credit"
)

// WalletTransaction is an append-only ledger row; one per balance change.
type WalletTransaction struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customer_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Kind         TransactionKind `json:"kind"`
	Amount       Amount          `json:"amount"`
	BalanceAfter Amount          `json:"balance_after"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type ProviderEarning struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	SessionID  string    `json:"session_id"`
	Amount     Amount    `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
}
