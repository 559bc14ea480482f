package domain

// schedule.go — curva de precio decreciente de la subasta holandesa.
//
// El precio baja en escalones, uno por intervalo:
//   - linear:      start − (start − floor)·k/n
//   - exponential: interpolación geométrica entre start y floor
// con k = escalón actual y n = número total de escalones. En k = n el precio
// es exactamente floor.

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DecayLaw es la ley de caída del precio.
type DecayLaw string

const (
	DecayLinear      DecayLaw = "linear"
	DecayExponential DecayLaw = "exponential"
)

// ParseDecayLaw convierte el string de la API en una DecayLaw. Vacío = linear.
func ParseDecayLaw(s string) (DecayLaw, error) {
	switch DecayLaw(s) {
	case "", DecayLinear:
		return DecayLinear, nil
	case DecayExponential:
		return DecayExponential, nil
	default:
		return "", fmt.Errorf("unknown decay law %q", s)
	}
}

// Schedule describe la curva de precio. Precios en satoshis.
type Schedule struct {
	StartPrice      int64
	FloorPrice      int64
	DurationSeconds int64
	IntervalSeconds int64
	Decay           DecayLaw
}

// PricePoint es un escalón de la curva discretizada.
type PricePoint struct {
	Step           int64 `json:"step"`
	ElapsedSeconds int64 `json:"elapsed_seconds"`
	Price          int64 `json:"price"`
}

// Validate devuelve la lista de problemas de la curva (vacía = válida).
func (s Schedule) Validate() []string {
	var problems []string
	if s.FloorPrice < 0 {
		problems = append(problems, "floor price must not be negative")
	}
	if s.StartPrice <= s.FloorPrice {
		problems = append(problems, "start price must exceed floor price")
	}
	if s.DurationSeconds <= 0 {
		problems = append(problems, "duration must be positive")
	}
	if s.IntervalSeconds <= 0 {
		problems = append(problems, "interval must be positive")
	}
	if s.IntervalSeconds > 0 && s.DurationSeconds > 0 && s.IntervalSeconds > s.DurationSeconds {
		problems = append(problems, "interval must not exceed duration")
	}
	if s.Decay != DecayLinear && s.Decay != DecayExponential {
		problems = append(problems, fmt.Sprintf("unknown decay law %q", s.Decay))
	}
	return problems
}

// Steps devuelve el número de escalones n = ceil(duration / interval).
func (s Schedule) Steps() int64 {
	if s.IntervalSeconds <= 0 || s.DurationSeconds <= 0 {
		return 0
	}
	return (s.DurationSeconds + s.IntervalSeconds - 1) / s.IntervalSeconds
}

// PriceAt devuelve el precio tras elapsedSeconds. El tiempo se acota a
// [0, duration]. Con una curva inválida devuelve StartPrice: el caller debe
// validar antes con Validate o ComputeSchedule.
func PriceAt(s Schedule, elapsedSeconds int64) int64 {
	n := s.Steps()
	if n == 0 || s.StartPrice <= s.FloorPrice {
		return s.StartPrice
	}
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	if elapsedSeconds >= s.DurationSeconds {
		return s.FloorPrice
	}
	return priceAtStep(s, elapsedSeconds/s.IntervalSeconds, n)
}

// ComputeSchedule discretiza la curva: un punto por frontera de intervalo
// más un punto final en duration. Si la curva es inválida devuelve la lista de
// problemas y ningún punto.
func ComputeSchedule(s Schedule) ([]PricePoint, []string) {
	if problems := s.Validate(); len(problems) > 0 {
		return nil, problems
	}

	n := s.Steps()
	points := make([]PricePoint, 0, n+1)
	for k := int64(0); k < n; k++ {
		points = append(points, PricePoint{
			Step:           k,
			ElapsedSeconds: k * s.IntervalSeconds,
			Price:          priceAtStep(s, k, n),
		})
	}
	points = append(points, PricePoint{
		Step:           n,
		ElapsedSeconds: s.DurationSeconds,
		Price:          s.FloorPrice,
	})
	return points, nil
}

// priceAtStep calcula el precio del escalón k de n (0 ≤ k ≤ n).
func priceAtStep(s Schedule, k, n int64) int64 {
	if k <= 0 {
		return s.StartPrice
	}
	if k >= n {
		return s.FloorPrice
	}

	var price int64
	switch s.Decay {
	case DecayExponential:
		price = exponentialPrice(s, k, n)
	default:
		// gap·k puede desbordar int64 con precios grandes y muchos escalones
		gap := decimal.NewFromInt(s.StartPrice - s.FloorPrice)
		drop, _ := gap.Mul(decimal.NewFromInt(k)).QuoRem(decimal.NewFromInt(n), 0)
		price = s.StartPrice - drop.IntPart()
	}
	// floor solo se alcanza en k = n; start > floor deja sitio para floor+1
	return clampPrice(price, s.FloorPrice+1, s.StartPrice)
}

// exponentialPrice interpola geométricamente entre start y floor.
// Se desplaza en +1 para que floor = 0 siga siendo válido.
func exponentialPrice(s Schedule, k, n int64) int64 {
	start := float64(s.StartPrice) + 1
	floor := float64(s.FloorPrice) + 1
	ratio := floor / start
	v := start*math.Pow(ratio, float64(k)/float64(n)) - 1
	return int64(math.Round(v))
}

func clampPrice(p, lo, hi int64) int64 {
	if p < lo {
		return lo
	}
	if p > hi {
		return hi
	}
	return p
}
