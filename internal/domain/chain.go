package domain

// ChainTx is a transaction touching an address, as reported by the indexer.
type ChainTx struct {
	TxID      string
	Confirmed bool
	// ValueTo is the total paid to the queried address by this tx's outputs.
	ValueTo int64
}

// TxStatus is the confirmation state of a transaction.
// BlockHeight is nil while the tx is only in the mempool.
type TxStatus struct {
	Confirmed   bool
	BlockHeight *int64
	BlockHash   string
}

// IsFinal reports whether the tx is in a block. Mempool sightings are not enough.
func (s TxStatus) IsFinal() bool {
	return s.Confirmed && s.BlockHeight != nil
}

// Confirmations returns the confirmation count given the current tip height.
func (s TxStatus) Confirmations(tipHeight int64) int64 {
	if !s.IsFinal() || tipHeight < *s.BlockHeight {
		return 0
	}
	return tipHeight - *s.BlockHeight + 1
}

// EscrowActivity is inbound activity seen on a pending bid's escrow address.
type EscrowActivity struct {
	BidID         string
	AuctionID     string
	EscrowAddress string
	AmountOwed    int64
	Txs           []ChainTx
}

// InboundTotal sums what the observed txs paid to the escrow address.
func (a EscrowActivity) InboundTotal() int64 {
	var total int64
	for _, tx := range a.Txs {
		total += tx.ValueTo
	}
	return total
}

// BroadcastCategory classifies why a node rejected a broadcast.
type BroadcastCategory string

const (
	BroadcastInsufficientFee BroadcastCategory = "insufficient_fee"
	BroadcastAlreadyKnown    BroadcastCategory = "already_broadcast"
	BroadcastMissingInputs   BroadcastCategory = "missing_inputs"
	BroadcastOther           BroadcastCategory = "other"
)

// BroadcastError is a node rejection of a raw transaction. It is never retried.
type BroadcastError struct {
	Category BroadcastCategory
	Message  string
}

func (e *BroadcastError) Error() string {
	return string(e.Category) + ": " + e.Message
}
