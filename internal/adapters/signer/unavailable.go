package signer

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/dutchclear/internal/ports"
)

// Unavailable es el signer por defecto cuando no hay servicio configurado:
// declina todas las transferencias y las pujas quedan confirmadas para un
// run posterior.
type Unavailable struct{}

// Sign siempre devuelve ports.ErrSkipTransfer.
func (Unavailable) Sign(context.Context, string) (string, error) {
	return "", fmt.Errorf("signer: no signing service configured: %w", ports.ErrSkipTransfer)
}
