package indexer

// DTOs raw de la API Esplora. Solo se usan dentro de este paquete.

// esploraTx es un elemento de GET /address/{addr}/txs.
type esploraTx struct {
	TxID   string        `json:"txid"`
	Status esploraStatus `json:"status"`
	Vout   []esploraVout `json:"vout"`
}

// esploraStatus es la respuesta de GET /tx/{txid}/status.
type esploraStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight *int64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// esploraVout es una salida de una tx.
type esploraVout struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}
