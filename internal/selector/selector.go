// Package selector implements weighted-random prize selection: picking a
// tier from the final weight vector, then a prize within that tier from
// per-prize weights, with an injectable seed source so tests can pin the
// outcome while production draws from a cryptographically strong source.
package selector

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"

	"github.com/foodloop/ulde/internal/calculators"
	"github.com/foodloop/ulde/internal/models"
)

// SeedFunc produces the int64 seed for one draw's RNG. Production code uses
// CryptoSeed; tests inject a fixed or sequence-based source, mirroring the
// way funding.Processor takes an injectable now func() time.Time.
type SeedFunc func() int64

// CryptoSeed draws a seed from crypto/rand, the production default.
func CryptoSeed() int64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		// crypto/rand failing is exceptional; fall back to a fixed seed rather
		// than panicking inside a pure-ish selection path.
		return 1
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// FixedSeed returns a SeedFunc that always yields seed, for deterministic tests.
func FixedSeed(seed int64) SeedFunc {
	return func() int64 { return seed }
}

// Selector performs weighted sampling over tiers and prizes.
type Selector struct {
	seed SeedFunc
}

// New constructs a Selector. A nil seed defaults to CryptoSeed.
func New(seed SeedFunc) *Selector {
	if seed == nil {
		seed = CryptoSeed
	}
	return &Selector{seed: seed}
}

// Result carries the tier and prize chosen for one draw, plus the seed used
// so it can be stored in the decision snapshot.
type Result struct {
	Tier    models.Tier
	Prize   *models.Prize
	Seed    int64
	Redirected bool // true if the picked tier had no available prize and fallback was substituted
}

// Select performs the full two-level weighted sample described in
// PrizeSelector: tier by weights, then prize by per-prize weight within that
// tier. If the sampled tier has no available prize, it redirects to
// fallback — the only place tier selection may be overridden post-sampling
// purely due to inventory, as distinct from the experience-shaping
// post-selection guards that run afterward.
func (s *Selector) Select(weights calculators.Weights, byTier map[models.Tier][]models.Prize) Result {
	seed := s.seed()
	rng := rand.New(rand.NewSource(seed))

	tier := sampleTier(rng, weights)
	prizes := availablePrizes(byTier[tier])
	redirected := false
	if tier != models.TierFallback && len(prizes) == 0 {
		tier = models.TierFallback
		prizes = availablePrizes(byTier[models.TierFallback])
		redirected = true
	}

	var chosen *models.Prize
	if len(prizes) > 0 {
		chosen = samplePrize(rng, prizes)
	}

	return Result{Tier: tier, Prize: chosen, Seed: seed, Redirected: redirected}
}

func availablePrizes(prizes []models.Prize) []models.Prize {
	out := make([]models.Prize, 0, len(prizes))
	for _, p := range prizes {
		if p.Available() {
			out = append(out, p)
		}
	}
	return out
}

func sampleTier(rng *rand.Rand, w calculators.Weights) models.Tier {
	total := w.Sum()
	if total <= 0 {
		return models.TierFallback
	}
	roll := rng.Float64() * total
	if roll < w.High {
		return models.TierHigh
	}
	roll -= w.High
	if roll < w.Mid {
		return models.TierMid
	}
	roll -= w.Mid
	if roll < w.Low {
		return models.TierLow
	}
	return models.TierFallback
}

func samplePrize(rng *rand.Rand, prizes []models.Prize) *models.Prize {
	var total int64
	for _, p := range prizes {
		total += p.BaseWeight
	}
	if total <= 0 {
		return &prizes[0]
	}
	roll := rng.Int63n(total)
	var running int64
	for i := range prizes {
		running += prizes[i].BaseWeight
		if roll < running {
			return &prizes[i]
		}
	}
	return &prizes[len(prizes)-1]
}
