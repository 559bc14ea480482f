package domain

import "time"

// BidStatus is the payment lifecycle of a bid.
//
//	payment_pending → payment_confirmed → settled
//	payment_pending | payment_confirmed → failed | refunded (terminal)
type BidStatus string

const (
	BidPending   BidStatus = "payment_pending"
	BidConfirmed BidStatus = "payment_confirmed"
	BidSettled   BidStatus = "settled"
	BidFailed    BidStatus = "failed"
	BidRefunded  BidStatus = "refunded"
)

// CanTransition reports whether a bid may move from s to next.
func (s BidStatus) CanTransition(next BidStatus) bool {
	switch s {
	case BidPending:
		return next == BidConfirmed || next == BidFailed || next == BidRefunded
	case BidConfirmed:
		return next == BidSettled || next == BidFailed || next == BidRefunded
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s BidStatus) IsTerminal() bool {
	return s == BidSettled || s == BidFailed || s == BidRefunded
}

// IsEligibleForAllocation reports whether the bid counts toward the clearing snapshot.
func (s BidStatus) IsEligibleForAllocation() bool {
	return s == BidConfirmed || s == BidSettled
}

// Bid is a bidder's claim on part of an auction's inventory.
type Bid struct {
	ID             string
	AuctionID      string
	BidderAddress  string
	Quantity       int64
	UnitPrice      int64 // price per unit at bid time, satoshis
	AmountOwed     int64 // Quantity × UnitPrice
	EscrowAddress  string
	PaymentTxID    string // observed or confirmed payment, empty until paired
	SettlementTxID string // broadcast transfer tx, set when settled
	FailureReason  string
	Status         BidStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ConfirmedAt    *time.Time
}

// HasObservedPayment reports whether a payment tx has been paired with the bid.
func (b Bid) HasObservedPayment() bool {
	return b.PaymentTxID != ""
}

// ConfirmationTime returns the ordering key used by the allocation engine.
// Bids without a confirmation time sort by creation time.
func (b Bid) ConfirmationTime() time.Time {
	if b.ConfirmedAt != nil {
		return *b.ConfirmedAt
	}
	return b.CreatedAt
}
