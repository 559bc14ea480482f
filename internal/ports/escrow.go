package ports

// AddressDeriver derives the one-time escrow address of a bid and checks
// bidder-supplied addresses.
type AddressDeriver interface {
	// EscrowAddress is deterministic in (auctionID, bidID).
	EscrowAddress(auctionID, bidID string) (string, error)
	// ValidateAddress returns an error for malformed addresses.
	ValidateAddress(addr string) error
}
