package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/collateral_vault/internal/vault"
)

const defaultMemoryAttempts = 16

// Memory is an in-memory Store with optimistic concurrency. A unit of work
// records the version of every key it reads and buffers its writes; commit
// fails if any read key changed in the meantime and the unit is re-run. No
// lock is held while a unit executes, so units touching different vaults never
// wait on each other. Read-only units run against a snapshot taken when they
// begin.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]entry
	events   []vault.Event
	attempts int
}

type entry struct {
	value   interface{}
	version uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]entry),
		attempts: defaultMemoryAttempts,
	}
}

var _ Store = (*Memory)(nil)

// Update implements Store.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < m.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := m.begin(false)
		if err := fn(tx); err != nil {
			// A failure computed from reads that have since moved is retried.
			if m.stale(tx) {
				continue
			}
			return err
		}
		if m.commit(tx) {
			return nil
		}
	}
	return ErrConflict
}

// View implements Store.
func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m.snapshot())
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func (m *Memory) begin(readonly bool) *memTx {
	return &memTx{
		m:        m,
		readonly: readonly,
		reads:    make(map[string]uint64),
		writes:   make(map[string]interface{}),
	}
}

// snapshot copies the committed state for a read-only unit.
func (m *Memory) snapshot() *memTx {
	tx := m.begin(true)
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx.snap = make(map[string]entry, len(m.data))
	for k, e := range m.data {
		tx.snap[k] = e
	}
	tx.snapEvents = m.events[:len(m.events):len(m.events)]
	return tx
}

func (m *Memory) stale(tx *memTx) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.validLocked(tx)
}

func (m *Memory) validLocked(tx *memTx) bool {
	for key, seen := range tx.reads {
		if m.data[key].version != seen {
			return false
		}
	}
	return true
}

func (m *Memory) commit(tx *memTx) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.validLocked(tx) {
		return false
	}
	for key, val := range tx.writes {
		m.data[key] = entry{value: val, version: m.data[key].version + 1}
	}
	m.events = append(m.events, tx.events...)
	return true
}

// =============================================================================
// Unit of work
// =============================================================================

type memTx struct {
	m        *Memory
	readonly bool
	reads    map[string]uint64
	writes   map[string]interface{}
	events   []vault.Event

	// Set for read-only units.
	snap       map[string]entry
	snapEvents []vault.Event
}

func (tx *memTx) get(key string) (interface{}, bool) {
	if v, ok := tx.writes[key]; ok {
		return v, true
	}
	var (
		e  entry
		ok bool
	)
	if tx.snap != nil {
		e, ok = tx.snap[key]
	} else {
		tx.m.mu.RLock()
		e, ok = tx.m.data[key]
		tx.m.mu.RUnlock()
	}
	if _, tracked := tx.reads[key]; !tracked {
		tx.reads[key] = e.version
	}
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (tx *memTx) put(key string, val interface{}) error {
	if tx.readonly {
		return fmt.Errorf("write %s in read-only unit", key)
	}
	tx.writes[key] = val
	return nil
}

func (tx *memTx) scan(prefix string) []interface{} {
	keys := make([]string, 0)
	if tx.snap != nil {
		for k := range tx.snap {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
	} else {
		tx.m.mu.RLock()
		for k := range tx.m.data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		tx.m.mu.RUnlock()
	}
	for k := range tx.writes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]interface{}, 0, len(keys))
	var last string
	for _, k := range keys {
		if k == last {
			continue
		}
		last = k
		if v, ok := tx.get(k); ok {
			out = append(out, v)
		}
	}
	return out
}

func (tx *memTx) Vault(address string) (vault.Vault, error) {
	v, ok := tx.get("vault/" + address)
	if !ok {
		return vault.Vault{}, ErrNotFound
	}
	return v.(vault.Vault), nil
}

func (tx *memTx) PutVault(v vault.Vault) error { return tx.put("vault/"+v.Address, v) }

func (tx *memTx) Vaults() ([]vault.Vault, error) {
	raw := tx.scan("vault/")
	out := make([]vault.Vault, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.(vault.Vault))
	}
	return out, nil
}

func (tx *memTx) Holding(address string) (vault.Holding, error) {
	v, ok := tx.get("holding/" + address)
	if !ok {
		return vault.Holding{}, ErrNotFound
	}
	return v.(vault.Holding), nil
}

func (tx *memTx) PutHolding(h vault.Holding) error { return tx.put("holding/"+h.Address, h) }

func (tx *memTx) Asset(id string) (vault.Asset, error) {
	v, ok := tx.get("asset/" + id)
	if !ok {
		return vault.Asset{}, ErrNotFound
	}
	return v.(vault.Asset), nil
}

func (tx *memTx) PutAsset(a vault.Asset) error { return tx.put("asset/"+a.ID, a) }

func (tx *memTx) Assets() ([]vault.Asset, error) {
	raw := tx.scan("asset/")
	out := make([]vault.Asset, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.(vault.Asset))
	}
	return out, nil
}

func (tx *memTx) AppendEvent(e vault.Event) error {
	if tx.readonly {
		return fmt.Errorf("append event in read-only unit")
	}
	tx.events = append(tx.events, e)
	return nil
}

func (tx *memTx) Events(vaultAddr string, limit int) ([]vault.Event, error) {
	var all []vault.Event
	if tx.snap != nil {
		all = append(all, tx.snapEvents...)
	} else {
		tx.m.mu.RLock()
		all = make([]vault.Event, 0, len(tx.m.events)+len(tx.events))
		all = append(all, tx.m.events...)
		tx.m.mu.RUnlock()
	}
	all = append(all, tx.events...)

	var out []vault.Event
	for i := len(all) - 1; i >= 0; i-- {
		if vaultAddr != "" && !all[i].Touches(vaultAddr) {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (tx *memTx) Submission(id string) (SubmissionRecord, error) {
	v, ok := tx.get("submission/" + id)
	if !ok {
		return SubmissionRecord{}, ErrNotFound
	}
	return v.(SubmissionRecord), nil
}

func (tx *memTx) PutSubmission(r SubmissionRecord) error { return tx.put("submission/"+r.ID, r) }
