package oracle

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Band is the half-width of the simulated price band around a reference.
var Band = decimal.RequireFromString("0.05")

// Simulator produces prices within ±Band of a reference price. The sequence
// of draws is fixed by the seed.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSimulator returns a Simulator seeded with seed.
func NewSimulator(seed uint64) *Simulator {
	return &Simulator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Around returns a simulated quote for symbol near ref, rounded to cents and
// kept inside the band. A non-positive ref yields ErrUnavailable.
func (s *Simulator) Around(symbol string, ref decimal.Decimal) (Quote, error) {
	if !ref.IsPositive() {
		return Quote{}, ErrUnavailable
	}

	s.mu.Lock()
	r := s.rng.Float64()
	s.mu.Unlock()

	one := decimal.NewFromInt(1)
	lo := ref.Mul(one.Sub(Band))
	hi := ref.Mul(one.Add(Band))

	// factor in [1-Band, 1+Band)
	factor := one.Sub(Band).Add(decimal.NewFromFloat(r).Mul(Band.Mul(decimal.NewFromInt(2))))
	price := ref.Mul(factor).Round(2)
	if price.LessThan(lo) {
		price = lo.RoundCeil(2)
	}
	if price.GreaterThan(hi) {
		price = hi.RoundFloor(2)
	}
	if !price.IsPositive() || price.LessThan(lo) || price.GreaterThan(hi) {
		// band too narrow for cent precision
		price = ref
	}
	return Quote{Symbol: symbol, Price: price, Simulated: true, AsOf: s.now()}, nil
}
