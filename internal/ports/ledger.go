package ports

import (
	"context"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// Ledger is the bid ledger contract the tracker, the settlement orchestrator,
// the monitor and the API depend on. Every mutation of one auction is
// serialized by the implementation.
type Ledger interface {
	CreateAuction(ctx context.Context, spec domain.AuctionSpec) (domain.Auction, error)
	PlaceBid(ctx context.Context, auctionID, bidderAddress string, quantity int64) (domain.Bid, error)

	// AttachTransaction pairs a pending bid with the tx believed to pay it.
	AttachTransaction(ctx context.Context, bidID, txID string) (domain.Bid, error)
	// ConfirmPayment is idempotent for the same txID.
	ConfirmPayment(ctx context.Context, bidID, txID string) (domain.Bid, error)
	MarkSettled(ctx context.Context, bidID, settlementTxID string) (domain.Bid, error)
	MarkFailed(ctx context.Context, bidID, reason string) (domain.Bid, error)
	MarkRefunded(ctx context.Context, bidID string) (domain.Bid, error)

	// Expire is a no-op unless the auction is active and past its end time.
	Expire(ctx context.Context, auctionID string) (domain.Auction, error)
	// ExpireDue expires every auction past its end time and returns how many changed.
	ExpireDue(ctx context.Context) (int, error)
	// MarkSold is a no-op unless the auction is active.
	MarkSold(ctx context.Context, auctionID string) (domain.Auction, error)

	GetAuction(ctx context.Context, auctionID string) (domain.Auction, error)
	ListAuctions(ctx context.Context, status domain.AuctionStatus) ([]domain.Auction, error)
	GetBid(ctx context.Context, bidID string) (domain.Bid, error)
	ListBids(ctx context.Context, auctionID string) ([]domain.Bid, error)
	ListPending(ctx context.Context) ([]domain.Bid, error)

	// Snapshot reads the auction and its bids under the auction's lock.
	Snapshot(ctx context.Context, auctionID string) (domain.Auction, []domain.Bid, error)
	// Preview runs the allocation engine over a snapshot without changing anything.
	Preview(ctx context.Context, auctionID string) (domain.Settlement, error)
}
