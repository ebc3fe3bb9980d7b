// Package vault holds the collateral ledger records and the state machine that
// mutates them.
//
// Every operation either succeeds and returns the audit Event it produced, or
// fails with a typed error and leaves the records untouched.
package vault

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a vault. Vaults are never closed.
type State string

const StateActive State = "active"

// Vault is the per-owner collateral ledger record.
type Vault struct {
	Address          string    `json:"address" db:"address"`
	Owner            string    `json:"owner" db:"owner"`
	AssetID          string    `json:"asset_id" db:"asset_id"`
	HoldingAccount   string    `json:"holding_account" db:"holding_account"`
	Nonce            uint8     `json:"nonce" db:"nonce"`
	State            State     `json:"state" db:"state"`
	TotalBalance     uint64    `json:"total_balance" db:"total_balance"`
	LockedBalance    uint64    `json:"locked_balance" db:"locked_balance"`
	AvailableBalance uint64    `json:"available_balance" db:"available_balance"`
	TotalDeposited   uint64    `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn   uint64    `json:"total_withdrawn" db:"total_withdrawn"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Holding is a custody sub-account holding actual asset units.
type Holding struct {
	Address string `json:"address" db:"address"`
	Owner   string `json:"owner" db:"owner"`
	AssetID string `json:"asset_id" db:"asset_id"`
	Balance uint64 `json:"balance" db:"balance"`
}

// Asset describes a collateral asset known to the ledger.
type Asset struct {
	ID       string `json:"id" yaml:"id" db:"id"`
	Symbol   string `json:"symbol" yaml:"symbol" db:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals" db:"decimals"`
}

// EventKind classifies audit events.
type EventKind string

const (
	EventInitialized EventKind = "vault.initialized"
	EventDeposited   EventKind = "vault.deposited"
	EventWithdrawn   EventKind = "vault.withdrawn"
	EventLocked      EventKind = "vault.locked"
	EventUnlocked    EventKind = "vault.unlocked"
	EventTransferred EventKind = "vault.transferred"
)

// Event is the append-only audit record of one successful mutation.
// ResultingBalance is the affected vault's total balance after the change;
// for transfers it belongs to the source and CounterpartyBalance to the
// destination.
type Event struct {
	ID                  string    `json:"id" db:"id"`
	Kind                EventKind `json:"kind" db:"kind"`
	Vault               string    `json:"vault" db:"vault"`
	Owner               string    `json:"owner" db:"owner"`
	AssetID             string    `json:"asset_id" db:"asset_id"`
	Counterparty        string    `json:"counterparty,omitempty" db:"counterparty"`
	CounterpartyVault   string    `json:"counterparty_vault,omitempty" db:"counterparty_vault"`
	Amount              uint64    `json:"amount" db:"amount"`
	ResultingBalance    uint64    `json:"resulting_balance" db:"resulting_balance"`
	CounterpartyBalance uint64    `json:"counterparty_balance,omitempty" db:"counterparty_balance"`
	Submission          string    `json:"submission,omitempty" db:"submission"`
	Timestamp           time.Time `json:"timestamp" db:"timestamp"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Touches reports whether the event affects the given vault address.
func (e Event) Touches(vaultAddr string) bool {
	return e.Vault == vaultAddr || e.CounterpartyVault == vaultAddr
}
