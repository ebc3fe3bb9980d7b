package chain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// =============================================================================
// Instructions
// =============================================================================

// InstructionKind names a ledger program instruction.
type InstructionKind string

const (
	InstrSetPriorityFee  InstructionKind = "set_priority_fee"
	InstrCreateHolding   InstructionKind = "create_holding"
	InstrInitializeVault InstructionKind = "initialize_vault"
	InstrDeposit         InstructionKind = "deposit"
	InstrWithdraw        InstructionKind = "withdraw"
	InstrLock            InstructionKind = "lock_collateral"
	InstrUnlock          InstructionKind = "unlock_collateral"
	InstrTransfer        InstructionKind = "transfer_collateral"
)

// Instruction is one step of a submission. Which fields are used depends on
// Kind; every address is the derived one and is re-derived by the ledger.
type Instruction struct {
	Kind             InstructionKind `json:"kind"`
	Owner            string          `json:"owner,omitempty"`
	Vault            string          `json:"vault,omitempty"`
	Nonce            uint8           `json:"nonce,omitempty"`
	AssetID          string          `json:"asset_id,omitempty"`
	Holding          string          `json:"holding,omitempty"`
	VaultHolding     string          `json:"vault_holding,omitempty"`
	Recipient        string          `json:"recipient,omitempty"`
	RecipientVault   string          `json:"recipient_vault,omitempty"`
	RecipientNonce   uint8           `json:"recipient_nonce,omitempty"`
	RecipientHolding string          `json:"recipient_holding,omitempty"`
	Amount           uint64          `json:"amount,omitempty"`
	MicroFee         uint64          `json:"micro_fee,omitempty"`
}

// =============================================================================
// Submission
// =============================================================================

// Submission is a signed, ordered list of instructions the ledger applies as
// one atomic unit. Reference ties it to a recent ledger height so that a
// stale submission expires instead of lingering.
type Submission struct {
	Reference    string        `json:"reference"`
	FeePayer     string        `json:"fee_payer"`
	Instructions []Instruction `json:"instructions"`
	PublicKey    string        `json:"public_key,omitempty"`
	Signature    string        `json:"signature,omitempty"`
}

type message struct {
	Reference    string        `json:"reference"`
	FeePayer     string        `json:"fee_payer"`
	Instructions []Instruction `json:"instructions"`
}

// Hash is the SHA-256 digest of the unsigned message.
func (s *Submission) Hash() util.Uint256 {
	data, _ := json.Marshal(message{Reference: s.Reference, FeePayer: s.FeePayer, Instructions: s.Instructions})
	return hash.Sha256(data)
}

// ID identifies the submission. Resending the same signed submission yields
// the same ID.
func (s *Submission) ID() string {
	return "0x" + s.Hash().StringLE()
}

// ErrBadSignature is returned by Verify.
var ErrBadSignature = errors.New("invalid submission signature")

// Verify checks that the submission is signed by its fee payer.
func (s *Submission) Verify() error {
	if s.PublicKey == "" || s.Signature == "" {
		return fmt.Errorf("%w: unsigned", ErrBadSignature)
	}
	pub, err := keys.NewPublicKeyFromString(s.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrBadSignature, err)
	}
	if pub.Address() != s.FeePayer {
		return fmt.Errorf("%w: key does not belong to fee payer %s", ErrBadSignature, s.FeePayer)
	}
	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	h := s.Hash()
	if !pub.Verify(sig, h.BytesBE()) {
		return ErrBadSignature
	}
	return nil
}

// SignWith signs the submission with key and sets the fee payer to the key's
// address.
func (s *Submission) SignWith(key *keys.PrivateKey) {
	s.FeePayer = key.PublicKey().Address()
	s.PublicKey = hex.EncodeToString(key.PublicKey().Bytes())
	s.Signature = hex.EncodeToString(key.SignHash(s.Hash()))
}

// =============================================================================
// Receipts and status
// =============================================================================

// Reference is a recent ledger position a submission is anchored to.
type Reference struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
}

// Receipt acknowledges that the network accepted a submission. Acceptance
// says nothing about whether execution succeeded.
type Receipt struct {
	ID     string `json:"id"`
	Height uint64 `json:"height"`
	// Duplicate is set when the submission had already been processed.
	Duplicate bool `json:"duplicate,omitempty"`
}

// State is the confirmation state of a submission.
type State string

const (
	StateUnknown   State = "unknown"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further change is expected.
func (s State) Terminal() bool { return s == StateConfirmed || s == StateFailed }

// ExecutionError describes why an accepted submission failed.
type ExecutionError struct {
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	Instruction int    `json:"instruction"`
}

// Err rebuilds the typed error for the ledger code.
func (e *ExecutionError) Err() error {
	if e == nil {
		return nil
	}
	return apperrors.FromLedgerCode(apperrors.LedgerCode(e.Code), e.Message)
}

// Status is the execution outcome of a submission.
type Status struct {
	ID       string          `json:"id"`
	State    State           `json:"state"`
	Height   uint64          `json:"height,omitempty"`
	MicroFee uint64          `json:"micro_fee,omitempty"`
	Error    *ExecutionError `json:"error,omitempty"`
	Events   []vault.Event   `json:"events,omitempty"`
}

// RejectError is returned when the network refuses a submission before
// accepting it.
type RejectError struct {
	Reason           string `json:"reason"`
	Retryable        bool   `json:"retryable"`
	ReferenceExpired bool   `json:"reference_expired"`
}

func (e *RejectError) Error() string { return "submission rejected: " + e.Reason }

// ErrAccountNotFound is returned by account reads for absent records.
var ErrAccountNotFound = errors.New("account not found")
