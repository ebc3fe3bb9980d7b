// Package postgres implements storage.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/collateral_vault/internal/storage"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

const defaultAttempts = 5

// serializationFailure is SQLSTATE 40001.
const serializationFailure = "40001"

// Store runs each unit of work in a SERIALIZABLE transaction and re-runs it
// when PostgreSQL reports a serialization failure.
type Store struct {
	db       *sqlx.DB
	attempts int
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres"), attempts: defaultAttempts}
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	var err error
	for attempt := 0; attempt < s.attempts; attempt++ {
		err = s.run(ctx, false, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", storage.ErrConflict, err)
}

// View implements storage.Store.
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.run(ctx, true, fn)
}

// Close implements storage.Store.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) run(ctx context.Context, readonly bool, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: readonly})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx, lock: !readonly}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == serializationFailure
}

// =============================================================================
// Unit of work
// =============================================================================

type pgTx struct {
	ctx  context.Context
	tx   *sqlx.Tx
	lock bool
}

func (t *pgTx) forUpdate() string {
	if t.lock {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// u64 passes unsigned values as text; database/sql rejects uint64 values with
// the high bit set.
func u64(v uint64) string { return strconv.FormatUint(v, 10) }

const vaultColumns = `address, owner, asset_id, holding_account, nonce, state, total_balance,
	locked_balance, available_balance, total_deposited, total_withdrawn, created_at`

func (t *pgTx) Vault(address string) (vault.Vault, error) {
	var v vault.Vault
	err := t.tx.GetContext(t.ctx, &v, `SELECT `+vaultColumns+` FROM ledger_vaults WHERE address = $1`+t.forUpdate(), address)
	return v, notFound(err)
}

func (t *pgTx) PutVault(v vault.Vault) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_vaults (`+vaultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (address) DO UPDATE SET
			state = EXCLUDED.state,
			total_balance = EXCLUDED.total_balance,
			locked_balance = EXCLUDED.locked_balance,
			available_balance = EXCLUDED.available_balance,
			total_deposited = EXCLUDED.total_deposited,
			total_withdrawn = EXCLUDED.total_withdrawn
	`, v.Address, v.Owner, v.AssetID, v.HoldingAccount, v.Nonce, string(v.State), u64(v.TotalBalance),
		u64(v.LockedBalance), u64(v.AvailableBalance), u64(v.TotalDeposited), u64(v.TotalWithdrawn), v.CreatedAt)
	return err
}

func (t *pgTx) Vaults() ([]vault.Vault, error) {
	var out []vault.Vault
	err := t.tx.SelectContext(t.ctx, &out, `SELECT `+vaultColumns+` FROM ledger_vaults ORDER BY address`)
	return out, err
}

func (t *pgTx) Holding(address string) (vault.Holding, error) {
	var h vault.Holding
	err := t.tx.GetContext(t.ctx, &h, `SELECT address, owner, asset_id, balance FROM ledger_holdings WHERE address = $1`+t.forUpdate(), address)
	return h, notFound(err)
}

func (t *pgTx) PutHolding(h vault.Holding) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_holdings (address, owner, asset_id, balance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance
	`, h.Address, h.Owner, h.AssetID, u64(h.Balance))
	return err
}

func (t *pgTx) Asset(id string) (vault.Asset, error) {
	var a vault.Asset
	err := t.tx.GetContext(t.ctx, &a, `SELECT id, symbol, decimals FROM ledger_assets WHERE id = $1`, id)
	return a, notFound(err)
}

func (t *pgTx) PutAsset(a vault.Asset) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_assets (id, symbol, decimals)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET symbol = EXCLUDED.symbol, decimals = EXCLUDED.decimals
	`, a.ID, a.Symbol, a.Decimals)
	return err
}

func (t *pgTx) Assets() ([]vault.Asset, error) {
	var out []vault.Asset
	err := t.tx.SelectContext(t.ctx, &out, `SELECT id, symbol, decimals FROM ledger_assets ORDER BY id`)
	return out, err
}

func (t *pgTx) AppendEvent(e vault.Event) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_events (id, kind, vault, owner, asset_id, counterparty, counterparty_vault,
			amount, resulting_balance, counterparty_balance, submission, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, string(e.Kind), e.Vault, e.Owner, e.AssetID, e.Counterparty, e.CounterpartyVault,
		u64(e.Amount), u64(e.ResultingBalance), u64(e.CounterpartyBalance), e.Submission, e.Timestamp)
	return err
}

func (t *pgTx) Events(vaultAddr string, limit int) ([]vault.Event, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	var out []vault.Event
	err := t.tx.SelectContext(t.ctx, &out, `
		SELECT id, kind, vault, owner, asset_id, counterparty, counterparty_vault, amount,
			resulting_balance, counterparty_balance, submission, occurred_at AS "timestamp"
		FROM ledger_events
		WHERE $1 = '' OR vault = $1 OR counterparty_vault = $1
		ORDER BY seq DESC
		LIMIT $2
	`, vaultAddr, limit)
	return out, err
}

func (t *pgTx) Submission(id string) (storage.SubmissionRecord, error) {
	var r storage.SubmissionRecord
	err := t.tx.GetContext(t.ctx, &r, `
		SELECT id, height, fee_payer, micro_fee, failed, error_code, error_text, instruction, events, processed_at
		FROM ledger_submissions WHERE id = $1
	`, id)
	return r, notFound(err)
}

func (t *pgTx) PutSubmission(r storage.SubmissionRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_submissions (id, height, fee_payer, micro_fee, failed, error_code, error_text, instruction, events, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, int64(r.Height), r.FeePayer, u64(r.MicroFee), r.Failed, int64(r.ErrorCode), r.ErrorText, r.Instruction, r.Events, r.ProcessedAt)
	return err
}
