package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/alejandrodnm/dutchclear/internal/domain"
	"github.com/alejandrodnm/dutchclear/internal/ports"
)

var _ ports.ChainIndexer = (*Client)(nil)

// AddressTxs devuelve las transacciones que tocan addr (mempool incluido).
// ValueTo suma las salidas pagadas a addr.
func (c *Client) AddressTxs(ctx context.Context, addr string) ([]domain.ChainTx, error) {
	body, err := c.get(ctx, "/address/"+url.PathEscape(addr)+"/txs")
	if err != nil {
		return nil, fmt.Errorf("indexer.AddressTxs: %s: %w", addr, err)
	}
	var raw []esploraTx
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("indexer.AddressTxs: decode: %w", err)
	}

	txs := make([]domain.ChainTx, 0, len(raw))
	for _, r := range raw {
		tx := domain.ChainTx{TxID: r.TxID, Confirmed: r.Status.Confirmed}
		for _, out := range r.Vout {
			if out.ScriptPubKeyAddress == addr {
				tx.ValueTo += out.Value
			}
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// TxStatus devuelve el estado de confirmación de una tx.
func (c *Client) TxStatus(ctx context.Context, txID string) (domain.TxStatus, error) {
	body, err := c.get(ctx, "/tx/"+url.PathEscape(txID)+"/status")
	if err != nil {
		if isNotFound(err) {
			return domain.TxStatus{}, fmt.Errorf("indexer.TxStatus: %s: %w", txID, ports.ErrTxNotFound)
		}
		return domain.TxStatus{}, fmt.Errorf("indexer.TxStatus: %s: %w", txID, err)
	}
	var raw esploraStatus
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.TxStatus{}, fmt.Errorf("indexer.TxStatus: decode: %w", err)
	}
	return domain.TxStatus{
		Confirmed:   raw.Confirmed,
		BlockHeight: raw.BlockHeight,
		BlockHash:   raw.BlockHash,
	}, nil
}

// TipHeight devuelve la altura del último bloque.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, fmt.Errorf("indexer.TipHeight: %w", err)
	}
	h, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("indexer.TipHeight: parse %q: %w", string(body), err)
	}
	return h, nil
}

// Broadcast envía una tx en hex y devuelve su txid.
// Los rechazos del nodo (4xx, o 5xx con un mensaje reconocible) vuelven como
// *BroadcastError con su categoría; un 5xx sin categoría se reintenta.
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	body, err := c.postText(ctx, "/tx", rawTxHex, isNodeRejection)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return "", fmt.Errorf("indexer.Broadcast: %w", NewBroadcastError(se.Body))
		}
		return "", fmt.Errorf("indexer.Broadcast: %w", err)
	}
	txID := strings.TrimSpace(string(body))
	if txID == "" {
		return "", fmt.Errorf("indexer.Broadcast: empty txid in response")
	}
	return txID, nil
}
