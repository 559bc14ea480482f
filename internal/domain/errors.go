package domain

import (
	"errors"
	"strings"
)

// ErrorKind groups errors by how callers should react to them.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation" // bad input, never retried
	KindConflict   ErrorKind = "conflict"   // wrong state for the requested transition
	KindNotFound   ErrorKind = "not_found"
	KindTransient  ErrorKind = "transient" // external failure, retried by polling paths
	KindInternal   ErrorKind = "internal"
)

var (
	ErrAuctionNotFound = errors.New("auction not found")
	ErrBidNotFound     = errors.New("bid not found")

	ErrInvalidSpec           = errors.New("invalid auction spec")
	ErrInvalidBid            = errors.New("invalid bid")
	ErrInsufficientInventory = errors.New("insufficient inventory")

	ErrAuctionNotActive       = errors.New("auction not active")
	ErrPaymentAlreadyRecorded = errors.New("payment already recorded with a different transaction")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrSettlementInProgress   = errors.New("settlement already in progress")

	ErrIndexerUnavailable  = errors.New("chain indexer unavailable")
	ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")
)

// ValidationError carries every problem found in a request.
type ValidationError struct {
	Err      error
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps a sentinel with the list of problems found.
func NewValidationError(err error, problems []string) *ValidationError {
	return &ValidationError{Err: err, Problems: problems}
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuctionNotFound), errors.Is(err, ErrBidNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidSpec), errors.Is(err, ErrInvalidBid),
		errors.Is(err, ErrInsufficientInventory):
		return KindValidation
	case errors.Is(err, ErrAuctionNotActive), errors.Is(err, ErrPaymentAlreadyRecorded),
		errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrSettlementInProgress):
		return KindConflict
	case errors.Is(err, ErrIndexerUnavailable), errors.Is(err, ErrConfirmationTimeout):
		return KindTransient
	default:
		return KindInternal
	}
}

// ErrorCode returns a stable machine-readable code for API responses.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuctionNotFound):
		return "AuctionNotFound"
	case errors.Is(err, ErrBidNotFound):
		return "BidNotFound"
	case errors.Is(err, ErrInvalidSpec):
		return "InvalidAuctionSpec"
	case errors.Is(err, ErrInvalidBid):
		return "InvalidBid"
	case errors.Is(err, ErrInsufficientInventory):
		return "InsufficientInventory"
	case errors.Is(err, ErrAuctionNotActive):
		return "AuctionNotActive"
	case errors.Is(err, ErrPaymentAlreadyRecorded):
		return "PaymentAlreadyRecorded"
	case errors.Is(err, ErrInvalidStateTransition):
		return "InvalidStateTransition"
	case errors.Is(err, ErrSettlementInProgress):
		return "SettlementInProgress"
	case errors.Is(err, ErrIndexerUnavailable):
		return "IndexerUnavailable"
	case errors.Is(err, ErrConfirmationTimeout):
		return "ConfirmationTimeout"
	default:
		return "Internal"
	}
}
