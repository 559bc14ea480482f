package domain

import "github.com/shopspring/decimal"

// SatsPerBTC es el número de satoshis en un BTC.
const SatsPerBTC = 100_000_000

// SatsToBTC convierte satoshis a BTC sin pérdida de precisión.
func SatsToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}

// FormatBTC formatea satoshis como BTC con 8 decimales.
func FormatBTC(sats int64) string {
	return SatsToBTC(sats).StringFixed(8)
}
