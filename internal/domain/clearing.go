package domain

import (
	"sort"
)

// Allocation is the share of inventory awarded to one bid.
type Allocation struct {
	BidID         string    `json:"bid_id"`
	BidderAddress string    `json:"bidder_address"`
	Requested     int64     `json:"requested"`
	Allocated     int64     `json:"allocated"`
	UnitPrice     int64     `json:"unit_price"`
	Partial       bool      `json:"partial"`
	Assets        []string  `json:"assets"` // asset references transferred for this allocation
	BidStatus     BidStatus `json:"bid_status"`
}

// Settlement is the result of clearing one auction from a snapshot of its bids.
type Settlement struct {
	AuctionID      string       `json:"auction_id"`
	ClearingPrice  int64        `json:"clearing_price"`
	TotalQuantity  int64        `json:"total_quantity"`
	AllocatedTotal int64        `json:"allocated_total"`
	ItemsRemaining int64        `json:"items_remaining"`
	Allocations    []Allocation `json:"allocations"`
}

// CalculateSettlement computes the clearing price and allocation for an auction.
//
// Only confirmed and settled bids take part. They are served first-confirmed,
// first-served; ties break on creation time and then on bid id so the result is
// reproducible from the same snapshot. Each bid gets its full quantity while
// inventory lasts; the first bid that does not fit gets the remainder and the
// scan stops there.
//
// The clearing price is the lowest bid-time unit price among allocated bids. It
// is reported, not enforced: every bidder has already paid their own price and
// no difference is refunded.
func CalculateSettlement(auction Auction, bids []Bid) Settlement {
	eligible := make([]Bid, 0, len(bids))
	for _, b := range bids {
		if b.AuctionID == auction.ID && b.Status.IsEligibleForAllocation() {
			eligible = append(eligible, b)
		}
	}
	sortForAllocation(eligible)

	result := Settlement{
		AuctionID:     auction.ID,
		TotalQuantity: auction.TotalQuantity,
	}

	remaining := auction.TotalQuantity
	var offset int64
	for _, b := range eligible {
		if remaining <= 0 {
			break
		}
		qty := b.Quantity
		partial := false
		if qty > remaining {
			qty = remaining
			partial = true
		}
		if qty <= 0 {
			continue
		}

		result.Allocations = append(result.Allocations, Allocation{
			BidID:         b.ID,
			BidderAddress: b.BidderAddress,
			Requested:     b.Quantity,
			Allocated:     qty,
			UnitPrice:     b.UnitPrice,
			Partial:       partial,
			Assets:        assignAssets(auction, offset, qty),
			BidStatus:     b.Status,
		})
		offset += qty
		remaining -= qty

		if len(result.Allocations) == 1 || b.UnitPrice < result.ClearingPrice {
			result.ClearingPrice = b.UnitPrice
		}
		if partial {
			break
		}
	}

	result.AllocatedTotal = auction.TotalQuantity - remaining
	result.ItemsRemaining = remaining
	return result
}

// sortForAllocation orders bids by confirmation time, then creation time, then id.
func sortForAllocation(bids []Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		ti, tj := bids[i].ConfirmationTime(), bids[j].ConfirmationTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if !bids[i].CreatedAt.Equal(bids[j].CreatedAt) {
			return bids[i].CreatedAt.Before(bids[j].CreatedAt)
		}
		return bids[i].ID < bids[j].ID
	})
}

// assignAssets maps the units [offset, offset+qty) onto asset references.
// A fungible lot has one reference shared by every unit.
func assignAssets(auction Auction, offset, qty int64) []string {
	if len(auction.ItemIDs) == 0 {
		return nil
	}
	if auction.IsFungibleLot() {
		return []string{auction.ItemIDs[0]}
	}
	end := offset + qty
	if end > int64(len(auction.ItemIDs)) {
		end = int64(len(auction.ItemIDs))
	}
	if offset >= end {
		return nil
	}
	assets := make([]string, end-offset)
	copy(assets, auction.ItemIDs[offset:end])
	return assets
}
