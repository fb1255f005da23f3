package learner

import (
	"math"
	"math/rand"
	"sync"

	"signaldesk/internal/domain"
)

// Sampler draws from Beta posteriors for Thompson-sampling strategy
// selection. The RNG is injected by seed so tests are deterministic.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a Sampler with its own seeded RNG.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Pick samples each strategy's Beta(alpha, beta) posterior and returns
// the argmax. Empty input returns "".
func (s *Sampler) Pick(states []*domain.BanditState) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := ""
	bestSample := math.Inf(-1)
	for _, st := range states {
		sample := s.sampleBeta(st.Alpha, st.Beta)
		if sample > bestSample {
			bestSample = sample
			best = st.StrategyID
		}
	}
	return best
}

// SampleBeta draws one value from Beta(alpha, beta).
func (s *Sampler) SampleBeta(alpha, beta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleBeta(alpha, beta)
}

// sampleBeta composes two Gamma draws: X/(X+Y) with X~Gamma(alpha),
// Y~Gamma(beta).
func (s *Sampler) sampleBeta(alpha, beta float64) float64 {
	if alpha <= 0 || beta <= 0 {
		return 0.5
	}
	x := s.sampleGamma(alpha)
	y := s.sampleGamma(beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang. Shapes
// below 1 are boosted and corrected with the U^(1/shape) factor.
func (s *Sampler) sampleGamma(shape float64) float64 {
	if shape < 1 {
		u := s.rng.Float64()
		return s.sampleGamma(shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := s.rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := s.rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
