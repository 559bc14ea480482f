package settlement

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// payloadVersion se incrementa si cambia el formato que recibe el signer.
const payloadVersion = 1

// transferPayload es lo que se envía al signer, serializado como JSON en hex.
// El signer construye y firma la tx real a partir de él.
type transferPayload struct {
	Version   int      `json:"v"`
	AuctionID string   `json:"auction_id"`
	BidID     string   `json:"bid_id"`
	Assets    []string `json:"assets"`
	Quantity  int64    `json:"quantity"`
	From      string   `json:"from"`
	To        string   `json:"to"`
}

var (
	errMissingDestination = errors.New("missing destination")
	errMissingAssets      = errors.New("no assets allocated")
)

// buildTransfer construye la transferencia de una asignación.
// Un error aquí es irrecuperable para esa puja.
func buildTransfer(index int, a domain.Auction, alloc domain.Allocation, validate func(string) error) (domain.Transfer, error) {
	t := domain.Transfer{
		Index:       index,
		BidID:       alloc.BidID,
		Assets:      append([]string(nil), alloc.Assets...),
		Quantity:    alloc.Allocated,
		Destination: alloc.BidderAddress,
	}
	if t.Destination == "" {
		return t, errMissingDestination
	}
	if err := validate(t.Destination); err != nil {
		return t, fmt.Errorf("malformed destination %q: %w", t.Destination, err)
	}
	if len(t.Assets) == 0 || t.Quantity <= 0 {
		return t, errMissingAssets
	}

	raw, err := json.Marshal(transferPayload{
		Version:   payloadVersion,
		AuctionID: a.ID,
		BidID:     alloc.BidID,
		Assets:    t.Assets,
		Quantity:  t.Quantity,
		From:      a.SellerAddress,
		To:        t.Destination,
	})
	if err != nil {
		return t, fmt.Errorf("encode payload: %w", err)
	}
	t.UnsignedPayload = hex.EncodeToString(raw)
	return t, nil
}
