// Package ledger owns auction inventory and the bid payment lifecycle.
//
// Every mutation of one auction (and of its bids) runs under that auction's
// lock, so inventory admission and status transitions never interleave.
// Reads that need a consistent view of an auction and its bids go through
// Snapshot. No network call ever happens while a lock is held.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/alejandrodnm/dutchclear/internal/ports"
	"github.com/google/uuid"
)

// Service implements ports.Ledger over a ports.Store.
type Service struct {
	store   ports.Store
	deriver ports.AddressDeriver
	locks   *keyedMutex
	now     func() time.Time
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now. Tests use it to move through the price schedule.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces uuid.NewString.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New creates a ledger service.
func New(store ports.Store, deriver ports.AddressDeriver, opts ...Option) *Service {
	s := &Service{
		store:   store,
		deriver: deriver,
		locks:   newKeyedMutex(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.Ledger = (*Service)(nil)

// CreateAuction validates spec and stores a new active auction.
func (s *Service) CreateAuction(ctx context.Context, spec domain.AuctionSpec) (domain.Auction, error) {
	if spec.Decay == "" {
		spec.Decay = domain.DecayLinear
	}
	problems := spec.Validate()
	if spec.SellerAddress != "" {
		if err := s.deriver.ValidateAddress(spec.SellerAddress); err != nil {
			problems = append(problems, fmt.Sprintf("seller address: %v", err))
		}
	}
	if len(problems) > 0 {
		return domain.Auction{}, domain.NewValidationError(domain.ErrInvalidSpec, problems)
	}

	a := domain.NewAuction(s.newID(), spec, s.now())
	if err := s.store.InsertAuction(ctx, a); err != nil {
		return domain.Auction{}, fmt.Errorf("ledger.CreateAuction: %w", err)
	}

	slog.Info("ledger: auction created",
		"auction_id", a.ID,
		"quantity", a.TotalQuantity,
		"start_price", a.StartPrice,
		"floor_price", a.FloorPrice,
		"decay", a.Decay,
		"ends_at", a.EndTime.Format(time.RFC3339),
	)
	return a, nil
}

// PlaceBid admits a bid against the auction's remaining inventory at the
// current schedule price.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderAddress string, quantity int64) (domain.Bid, error) {
	var problems []string
	if quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	if bidderAddress == "" {
		problems = append(problems, "bidder address is required")
	} else if err := s.deriver.ValidateAddress(bidderAddress); err != nil {
		problems = append(problems, fmt.Sprintf("bidder address: %v", err))
	}
	if len(problems) > 0 {
		return domain.Bid{}, domain.NewValidationError(domain.ErrInvalidBid, problems)
	}

	unlock := s.locks.Lock(auctionID)
	defer unlock()

	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("ledger.PlaceBid: %w", err)
	}
	now := s.now().UTC()
	if !a.IsOpen(now) {
		return domain.Bid{}, fmt.Errorf("ledger.PlaceBid: %s is %s: %w", a.ID, a.Status, domain.ErrAuctionNotActive)
	}
	if quantity > a.QuantityRemaining {
		return domain.Bid{}, fmt.Errorf("ledger.PlaceBid: requested %d, %d remaining: %w",
			quantity, a.QuantityRemaining, domain.ErrInsufficientInventory)
	}

	bidID := s.newID()
	escrow, err := s.deriver.EscrowAddress(a.ID, bidID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("ledger.PlaceBid: derive escrow: %w", err)
	}

	price := a.PriceAt(now)
	b := domain.Bid{
		ID:            bidID,
		AuctionID:     a.ID,
		BidderAddress: bidderAddress,
		Quantity:      quantity,
		UnitPrice:     price,
		AmountOwed:    quantity * price,
		EscrowAddress: escrow,
		Status:        domain.BidPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	a.QuantityRemaining -= quantity
	a.UpdatedAt = now

	if err := s.store.AdmitBid(ctx, a, b); err != nil {
		return domain.Bid{}, fmt.Errorf("ledger.PlaceBid: admit: %w", err)
	}

	slog.Info("ledger: bid admitted",
		"auction_id", a.ID,
		"bid_id", b.ID,
		"quantity", quantity,
		"unit_price", price,
		"amount_owed", b.AmountOwed,
		"remaining", a.QuantityRemaining,
	)
	return b, nil
}

// AttachTransaction records the tx believed to pay a pending bid without
// confirming it. Re-attaching the same tx is a no-op.
func (s *Service) AttachTransaction(ctx context.Context, bidID, txID string) (domain.Bid, error) {
	if txID == "" {
		return domain.Bid{}, domain.NewValidationError(domain.ErrInvalidBid, []string{"txid is required"})
	}
	return s.mutateBid(ctx, "ledger.AttachTransaction", bidID, func(b *domain.Bid, now time.Time) (bool, error) {
		if b.HasObservedPayment() {
			if b.PaymentTxID != txID {
				return false, domain.ErrPaymentAlreadyRecorded
			}
			return false, nil
		}
		if b.Status != domain.BidPending {
			return false, domain.ErrInvalidStateTransition
		}
		b.PaymentTxID = txID
		return true, nil
	})
}

// ConfirmPayment moves a pending bid to payment_confirmed. Confirming again
// with the same txid returns the bid unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, bidID, txID string) (domain.Bid, error) {
	if txID == "" {
		return domain.Bid{}, domain.NewValidationError(domain.ErrInvalidBid, []string{"txid is required"})
	}
	b, err := s.mutateBid(ctx, "ledger.ConfirmPayment", bidID, func(b *domain.Bid, now time.Time) (bool, error) {
		if b.HasObservedPayment() && b.PaymentTxID != txID {
			return false, domain.ErrPaymentAlreadyRecorded
		}
		if b.Status == domain.BidConfirmed || b.Status == domain.BidSettled {
			return false, nil
		}
		if !b.Status.CanTransition(domain.BidConfirmed) {
			return false, domain.ErrInvalidStateTransition
		}
		b.PaymentTxID = txID
		b.Status = domain.BidConfirmed
		b.ConfirmedAt = &now
		return true, nil
	})
	if err == nil {
		slog.Info("ledger: payment confirmed", "bid_id", b.ID, "auction_id", b.AuctionID, "txid", txID)
	}
	return b, err
}

// MarkSettled records the broadcast transfer of a confirmed bid.
func (s *Service) MarkSettled(ctx context.Context, bidID, settlementTxID string) (domain.Bid, error) {
	if settlementTxID == "" {
		return domain.Bid{}, domain.NewValidationError(domain.ErrInvalidBid, []string{"settlement txid is required"})
	}
	return s.mutateBid(ctx, "ledger.MarkSettled", bidID, func(b *domain.Bid, now time.Time) (bool, error) {
		if b.Status == domain.BidSettled && b.SettlementTxID == settlementTxID {
			return false, nil
		}
		if b.Status != domain.BidConfirmed {
			return false, domain.ErrInvalidStateTransition
		}
		b.Status = domain.BidSettled
		b.SettlementTxID = settlementTxID
		return true, nil
	})
}

// MarkFailed moves a non-terminal bid to failed.
func (s *Service) MarkFailed(ctx context.Context, bidID, reason string) (domain.Bid, error) {
	b, err := s.mutateBid(ctx, "ledger.MarkFailed", bidID, func(b *domain.Bid, now time.Time) (bool, error) {
		if !b.Status.CanTransition(domain.BidFailed) {
			return false, domain.ErrInvalidStateTransition
		}
		b.Status = domain.BidFailed
		b.FailureReason = reason
		return true, nil
	})
	if err == nil {
		slog.Warn("ledger: bid failed", "bid_id", b.ID, "auction_id", b.AuctionID, "reason", reason)
	}
	return b, err
}

// MarkRefunded records that the bidder was paid back out of band.
func (s *Service) MarkRefunded(ctx context.Context, bidID string) (domain.Bid, error) {
	return s.mutateBid(ctx, "ledger.MarkRefunded", bidID, func(b *domain.Bid, now time.Time) (bool, error) {
		if !b.Status.CanTransition(domain.BidRefunded) {
			return false, domain.ErrInvalidStateTransition
		}
		b.Status = domain.BidRefunded
		return true, nil
	})
}

// Expire closes an active auction whose end time has passed. Any other
// auction is returned unchanged.
func (s *Service) Expire(ctx context.Context, auctionID string) (domain.Auction, error) {
	a, _, err := s.expire(ctx, auctionID)
	return a, err
}

func (s *Service) expire(ctx context.Context, auctionID string) (domain.Auction, bool, error) {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return domain.Auction{}, false, fmt.Errorf("ledger.Expire: %w", err)
	}
	now := s.now().UTC()
	if a.Status != domain.AuctionActive || now.Before(a.EndTime) {
		return a, false, nil
	}
	a.Status = domain.AuctionExpired
	a.UpdatedAt = now
	if err := s.store.UpdateAuction(ctx, a); err != nil {
		return domain.Auction{}, false, fmt.Errorf("ledger.Expire: update %s: %w", a.ID, err)
	}
	slog.Info("ledger: auction expired", "auction_id", a.ID, "unsold", a.QuantityRemaining)
	return a, true, nil
}

// ExpireDue expires every active auction past its end time. A failure on one
// auction does not stop the others; the errors are joined.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpirable(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger.ExpireDue: list: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, a := range due {
		_, changed, err := s.expire(ctx, a.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// MarkSold closes an active auction after a complete settlement. Auctions
// already sold or expired are returned unchanged.
func (s *Service) MarkSold(ctx context.Context, auctionID string) (domain.Auction, error) {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("ledger.MarkSold: %w", err)
	}
	if a.Status != domain.AuctionActive {
		return a, nil
	}
	a.Status = domain.AuctionSold
	a.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAuction(ctx, a); err != nil {
		return domain.Auction{}, fmt.Errorf("ledger.MarkSold: update %s: %w", a.ID, err)
	}
	slog.Info("ledger: auction sold", "auction_id", a.ID)
	return a, nil
}

func (s *Service) GetAuction(ctx context.Context, auctionID string) (domain.Auction, error) {
	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("ledger.GetAuction: %w", err)
	}
	return a, nil
}

func (s *Service) ListAuctions(ctx context.Context, status domain.AuctionStatus) ([]domain.Auction, error) {
	as, err := s.store.ListAuctions(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("ledger.ListAuctions: %w", err)
	}
	return as, nil
}

func (s *Service) GetBid(ctx context.Context, bidID string) (domain.Bid, error) {
	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("ledger.GetBid: %w", err)
	}
	return b, nil
}

// ListBids returns an auction's bids in admission order.
func (s *Service) ListBids(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	if _, err := s.store.GetAuction(ctx, auctionID); err != nil {
		return nil, fmt.Errorf("ledger.ListBids: %w", err)
	}
	bids, err := s.store.ListBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("ledger.ListBids: %w", err)
	}
	return bids, nil
}

// ListPending returns every bid still waiting for its payment.
func (s *Service) ListPending(ctx context.Context) ([]domain.Bid, error) {
	bids, err := s.store.ListBidsByStatus(ctx, domain.BidPending)
	if err != nil {
		return nil, fmt.Errorf("ledger.ListPending: %w", err)
	}
	return bids, nil
}

// Snapshot reads the auction and its bids under the auction's lock.
func (s *Service) Snapshot(ctx context.Context, auctionID string) (domain.Auction, []domain.Bid, error) {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	a, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return domain.Auction{}, nil, fmt.Errorf("ledger.Snapshot: %w", err)
	}
	bids, err := s.store.ListBidsByAuction(ctx, auctionID)
	if err != nil {
		return domain.Auction{}, nil, fmt.Errorf("ledger.Snapshot: bids: %w", err)
	}
	return a, bids, nil
}

// Preview computes the clearing price and allocation for the current snapshot.
func (s *Service) Preview(ctx context.Context, auctionID string) (domain.Settlement, error) {
	a, bids, err := s.Snapshot(ctx, auctionID)
	if err != nil {
		return domain.Settlement{}, err
	}
	return domain.CalculateSettlement(a, bids), nil
}

// mutateBid runs fn on a fresh copy of the bid under its auction's lock and
// persists it when fn reports a change.
func (s *Service) mutateBid(
	ctx context.Context,
	op, bidID string,
	fn func(b *domain.Bid, now time.Time) (bool, error),
) (domain.Bid, error) {
	// El auction_id de una puja no cambia: se puede leer antes de tomar el lock.
	first, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("%s: %w", op, err)
	}

	unlock := s.locks.Lock(first.AuctionID)
	defer unlock()

	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("%s: %w", op, err)
	}
	now := s.now().UTC()
	changed, err := fn(&b, now)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("%s: bid %s (%s): %w", op, b.ID, b.Status, err)
	}
	if !changed {
		return b, nil
	}
	b.UpdatedAt = now
	if err := s.store.UpdateBid(ctx, b); err != nil {
		return domain.Bid{}, fmt.Errorf("%s: update %s: %w", op, b.ID, err)
	}
	return b, nil
}
