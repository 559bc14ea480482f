package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// ErrTxNotFound is returned by TxStatus while the indexer has not seen the tx.
var ErrTxNotFound = errors.New("transaction not found")

// ChainIndexer talks to the remote chain-indexing service.
// Every call is bounded by the client's timeout and retry policy.
type ChainIndexer interface {
	// AddressTxs returns the transactions touching addr.
	AddressTxs(ctx context.Context, addr string) ([]domain.ChainTx, error)
	// TxStatus returns the confirmation state of txID, or ErrTxNotFound.
	TxStatus(ctx context.Context, txID string) (domain.TxStatus, error)
	// TipHeight returns the current best block height.
	TipHeight(ctx context.Context) (int64, error)
	// Broadcast submits a raw hex transaction and returns its tx id.
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}
