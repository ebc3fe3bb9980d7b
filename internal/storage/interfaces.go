// Package storage persists the ledger of record: vaults, holding accounts,
// assets, audit events and processed submissions.
package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an Update could not commit after repeated
// concurrent modification of the records it read.
var ErrConflict = errors.New("concurrent modification")

// SubmissionRecord is the ledger's memory of a processed submission. It makes
// resubmission idempotent and answers status queries.
type SubmissionRecord struct {
	ID          string    `json:"id" db:"id"`
	Height      uint64    `json:"height" db:"height"`
	FeePayer    string    `json:"fee_payer" db:"fee_payer"`
	MicroFee    uint64    `json:"micro_fee" db:"micro_fee"`
	Failed      bool      `json:"failed" db:"failed"`
	ErrorCode   uint32    `json:"error_code,omitempty" db:"error_code"`
	ErrorText   string    `json:"error_text,omitempty" db:"error_text"`
	Instruction int       `json:"instruction" db:"instruction"`
	Events      EventList `json:"events,omitempty" db:"events"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}

// EventList is stored as a JSON document.
type EventList []vault.Event

// Value implements driver.Valuer.
func (l EventList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *EventList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("scan EventList from %T", src)
	}
}

// Tx is a unit of work. Reads observe the unit's own writes; nothing is
// visible to other units until the surrounding Update returns nil.
type Tx interface {
	Vault(address string) (vault.Vault, error)
	PutVault(v vault.Vault) error
	Vaults() ([]vault.Vault, error)

	Holding(address string) (vault.Holding, error)
	PutHolding(h vault.Holding) error

	Asset(id string) (vault.Asset, error)
	PutAsset(a vault.Asset) error
	Assets() ([]vault.Asset, error)

	AppendEvent(e vault.Event) error
	// Events returns events touching vaultAddr, newest first. An empty
	// address matches every event.
	Events(vaultAddr string, limit int) ([]vault.Event, error)

	Submission(id string) (SubmissionRecord, error)
	PutSubmission(r SubmissionRecord) error
}

// Store runs units of work.
type Store interface {
	// Update runs fn in a read-write unit. fn may be invoked more than once
	// when the unit conflicts with a concurrent writer, so it must not have
	// side effects outside tx.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only unit.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
