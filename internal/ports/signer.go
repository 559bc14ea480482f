package ports

import (
	"context"
	"errors"
)

// ErrSkipTransfer is returned by a signer that explicitly declines a transfer.
// The orchestrator leaves the bid untouched for a later run.
var ErrSkipTransfer = errors.New("transfer skipped by signer")

// TransferSigner completes an unsigned transfer payload. It has no retry
// semantics of its own.
type TransferSigner interface {
	Sign(ctx context.Context, unsignedHex string) (signedHex string, err error)
}
