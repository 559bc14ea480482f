package indexer

import (
	"strings"

	"github.com/alejandrodnm/dutchclear/internal/domain"
)

// Fragmentos del mensaje del nodo → categoría, en orden de prioridad.
var broadcastPatterns = []struct {
	fragment string
	category domain.BroadcastCategory
}{
	{"min relay fee", domain.BroadcastInsufficientFee},
	{"insufficient fee", domain.BroadcastInsufficientFee},
	{"mempool min fee", domain.BroadcastInsufficientFee},
	{"txn-already-known", domain.BroadcastAlreadyKnown},
	{"txn-already-in-mempool", domain.BroadcastAlreadyKnown},
	{"already in block chain", domain.BroadcastAlreadyKnown},
	{"missingorspent", domain.BroadcastMissingInputs},
	{"missing-inputs", domain.BroadcastMissingInputs},
	{"bad-txns-inputs", domain.BroadcastMissingInputs},
}

// NewBroadcastError clasifica el mensaje de rechazo del nodo.
func NewBroadcastError(message string) *domain.BroadcastError {
	return &domain.BroadcastError{Category: ClassifyBroadcast(message), Message: message}
}

// ClassifyBroadcast devuelve la categoría de un mensaje de rechazo.
func ClassifyBroadcast(message string) domain.BroadcastCategory {
	lower := strings.ToLower(message)
	for _, p := range broadcastPatterns {
		if strings.Contains(lower, p.fragment) {
			return p.category
		}
	}
	return domain.BroadcastOther
}

// isNodeRejection indica si el cuerpo de un 5xx es un rechazo reconocible del
// nodo y no una caída del indexador.
func isNodeRejection(body string) bool {
	return ClassifyBroadcast(body) != domain.BroadcastOther
}
