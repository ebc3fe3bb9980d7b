// Package errors provides the typed error taxonomy shared by the vault ledger,
// the transaction orchestrator and the HTTP surface.
//
// Every failure a caller can act on is a *ServiceError carrying a stable Code.
// Sentinel values (ErrInsufficientBalance, ErrDepositFailed, ...) compare by
// Code, so errors.Is works across wrapping layers:
//
//	if errors.Is(err, apperrors.ErrInsufficientBalance) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies an error kind.
type Code string

const (
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInvalidRecipientVault Code = "INVALID_RECIPIENT_VAULT"
	CodeAlreadyInitialized    Code = "ALREADY_INITIALIZED"
	CodeVaultNotFound         Code = "VAULT_NOT_FOUND"
	CodeHoldingNotFound       Code = "HOLDING_NOT_FOUND"
	CodeAccountMismatch       Code = "ACCOUNT_MISMATCH"
	CodeInvalidAddress        Code = "INVALID_ADDRESS"
	CodeAssetNotFound         Code = "ASSET_NOT_FOUND"
	CodeSubmissionFailed      Code = "SUBMISSION_FAILED"
	CodeConfirmationTimeout   Code = "CONFIRMATION_TIMEOUT"
	CodeSignatureRejected     Code = "SIGNATURE_REJECTED"
	CodeInvalidToken          Code = "INVALID_TOKEN"
	CodeRateLimitExceeded     Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeSessionClosed         Code = "SESSION_CLOSED"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// LedgerCode is the numeric error code a ledger node reports for a failed
// instruction. The first four values are fixed by the on-ledger program.
type LedgerCode uint32

const (
	LedgerInvalidAmount            LedgerCode = 6000
	LedgerInsufficientBalance      LedgerCode = 6001
	LedgerUnauthorized             LedgerCode = 6002
	LedgerInvalidRecipientVault    LedgerCode = 6003
	LedgerAlreadyInitialized       LedgerCode = 6004
	LedgerVaultNotFound            LedgerCode = 6005
	LedgerHoldingNotFound          LedgerCode = 6006
	LedgerHoldingInsufficientFunds LedgerCode = 6007
	LedgerAccountMismatch          LedgerCode = 6008
	LedgerAssetNotFound            LedgerCode = 6009
)

// ServiceError is the structured error type used across the module.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Operation  string                 `json:"operation,omitempty"`
	LedgerCode LedgerCode             `json:"ledger_code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is reports whether target is a ServiceError with the same Code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// GetServiceError extracts the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	for err != nil {
		if se, ok := err.(*ServiceError); ok && se.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// =============================================================================
// Sentinels
// =============================================================================

var (
	ErrInvalidAmount         = &ServiceError{Code: CodeInvalidAmount, Message: "invalid amount", HTTPStatus: http.StatusBadRequest, LedgerCode: LedgerInvalidAmount}
	ErrInsufficientBalance   = &ServiceError{Code: CodeInsufficientBalance, Message: "insufficient balance", HTTPStatus: http.StatusConflict, LedgerCode: LedgerInsufficientBalance}
	ErrUnauthorized          = &ServiceError{Code: CodeUnauthorized, Message: "unauthorized vault access", HTTPStatus: http.StatusForbidden, LedgerCode: LedgerUnauthorized}
	ErrInvalidRecipientVault = &ServiceError{Code: CodeInvalidRecipientVault, Message: "recipient vault is invalid or not initialized", HTTPStatus: http.StatusUnprocessableEntity, LedgerCode: LedgerInvalidRecipientVault}
	ErrAlreadyInitialized    = &ServiceError{Code: CodeAlreadyInitialized, Message: "vault already initialized", HTTPStatus: http.StatusConflict, LedgerCode: LedgerAlreadyInitialized}
	ErrVaultNotFound         = &ServiceError{Code: CodeVaultNotFound, Message: "vault not found", HTTPStatus: http.StatusNotFound, LedgerCode: LedgerVaultNotFound}
	ErrHoldingNotFound       = &ServiceError{Code: CodeHoldingNotFound, Message: "holding account not found", HTTPStatus: http.StatusNotFound, LedgerCode: LedgerHoldingNotFound}
	ErrAccountMismatch       = &ServiceError{Code: CodeAccountMismatch, Message: "account does not match its derived address", HTTPStatus: http.StatusBadRequest, LedgerCode: LedgerAccountMismatch}
	ErrInvalidAddress        = &ServiceError{Code: CodeInvalidAddress, Message: "invalid address", HTTPStatus: http.StatusBadRequest}
	ErrAssetNotFound         = &ServiceError{Code: CodeAssetNotFound, Message: "asset not found", HTTPStatus: http.StatusNotFound, LedgerCode: LedgerAssetNotFound}
	ErrSubmissionFailed      = &ServiceError{Code: CodeSubmissionFailed, Message: "submission failed", HTTPStatus: http.StatusBadGateway}
	ErrConfirmationTimeout   = &ServiceError{Code: CodeConfirmationTimeout, Message: "confirmation timed out; outcome unknown", HTTPStatus: http.StatusGatewayTimeout}
	ErrSignatureRejected     = &ServiceError{Code: CodeSignatureRejected, Message: "signature rejected", HTTPStatus: http.StatusForbidden}
	ErrSessionClosed         = &ServiceError{Code: CodeSessionClosed, Message: "session closed", HTTPStatus: http.StatusServiceUnavailable}

	ErrInitializeFailed = OperationFailed("initialize", nil)
	ErrDepositFailed    = OperationFailed("deposit", nil)
	ErrWithdrawFailed   = OperationFailed("withdraw", nil)
	ErrLockFailed       = OperationFailed("lock", nil)
	ErrUnlockFailed     = OperationFailed("unlock", nil)
	ErrTransferFailed   = OperationFailed("transfer", nil)
)

// holdingInsufficientFunds is what the ledger reports when a personal or vault
// holding cannot cover a movement; callers see it as InsufficientBalance.
var holdingInsufficientFunds = &ServiceError{Code: CodeInsufficientBalance, Message: "holding account has insufficient funds", HTTPStatus: http.StatusConflict, LedgerCode: LedgerHoldingInsufficientFunds}

// =============================================================================
// Constructors
// =============================================================================

// New returns a fresh error of the sentinel's kind with a specific message.
func New(kind *ServiceError, format string, args ...interface{}) *ServiceError {
	cp := *kind
	cp.Details = nil
	if format != "" {
		cp.Message = fmt.Sprintf(format, args...)
	}
	return &cp
}

// Wrap returns a fresh error of the sentinel's kind wrapping cause.
func Wrap(kind *ServiceError, cause error) *ServiceError {
	cp := *kind
	cp.Details = nil
	cp.Err = cause
	return &cp
}

// OperationFailed reports that a submission for op was accepted by the network
// but its execution failed. cause is usually the error rebuilt from the
// ledger code.
func OperationFailed(op string, cause error) *ServiceError {
	name := op
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return &ServiceError{
		Code:       Code(strings.ToUpper(op) + "_FAILED"),
		Message:    fmt.Sprintf("%s transaction failed", name),
		HTTPStatus: http.StatusUnprocessableEntity,
		Operation:  op,
		Err:        cause,
	}
}

// HoldingInsufficientFunds returns the error for an under-funded holding.
func HoldingInsufficientFunds(format string, args ...interface{}) *ServiceError {
	return New(holdingInsufficientFunds, format, args...)
}

// FromLedgerCode rebuilds the typed error for a ledger code. Unknown codes map
// to an internal error that keeps the number in its details.
func FromLedgerCode(code LedgerCode, message string) *ServiceError {
	var kind *ServiceError
	switch code {
	case LedgerInvalidAmount:
		kind = ErrInvalidAmount
	case LedgerInsufficientBalance:
		kind = ErrInsufficientBalance
	case LedgerUnauthorized:
		kind = ErrUnauthorized
	case LedgerInvalidRecipientVault:
		kind = ErrInvalidRecipientVault
	case LedgerAlreadyInitialized:
		kind = ErrAlreadyInitialized
	case LedgerVaultNotFound:
		kind = ErrVaultNotFound
	case LedgerHoldingNotFound:
		kind = ErrHoldingNotFound
	case LedgerHoldingInsufficientFunds:
		kind = holdingInsufficientFunds
	case LedgerAccountMismatch:
		kind = ErrAccountMismatch
	case LedgerAssetNotFound:
		kind = ErrAssetNotFound
	default:
		return Internal(fmt.Sprintf("ledger error %d: %s", code, message), nil).WithDetails("ledger_code", uint32(code))
	}
	if message == "" {
		return New(kind, "")
	}
	return New(kind, "%s", message)
}

// CodeOf returns the ledger code for err, or zero when err carries none.
func CodeOf(err error) LedgerCode {
	for err != nil {
		if se, ok := err.(*ServiceError); ok && se.LedgerCode != 0 {
			return se.LedgerCode
		}
		err = stderrors.Unwrap(err)
	}
	return 0
}

// Unauthorized is returned by the HTTP layer for missing or bad credentials.
func Unauthorized(message string) *ServiceError {
	return &ServiceError{Code: CodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// InvalidToken wraps a JWT validation failure.
func InvalidToken(err error) *ServiceError {
	return &ServiceError{Code: CodeInvalidToken, Message: "invalid or expired token", HTTPStatus: http.StatusUnauthorized, Err: err}
}

// InvalidInput reports a malformed request body or parameter.
func InvalidInput(message string) *ServiceError {
	return &ServiceError{Code: CodeInvalidInput, Message: message, HTTPStatus: http.StatusBadRequest}
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return &ServiceError{
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
		Details:    map[string]interface{}{"limit": limit, "window": window},
	}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return &ServiceError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}
