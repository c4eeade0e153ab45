package cohort

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/leafcohort/leaf/internal/config"
)

// Obfuscator de-identifies reported counts with low cell size masking and
// bounded noise.
type Obfuscator struct {
	cfg config.DeidentConfig
}

func NewObfuscator(cfg config.DeidentConfig) *Obfuscator {
	return &Obfuscator{cfg: cfg}
}

// Count returns the value to report for n. Noise is drawn from seed so the
// same cohort is always reported with the same offset and repeated counts
// cannot be averaged out. Counts from 1 to the threshold are reported as
// the threshold, without noise.
func (o *Obfuscator) Count(n int, seed uint64) (value, plusMinus int, masked bool) {
	if v, ok := o.mask(n); ok {
		return v, 0, true
	}
	if !o.cfg.NoiseEnabled || n == 0 {
		return n, 0, false
	}

	rnd := rand.New(rand.NewPCG(seed, uint64(n)))
	offset := o.cfg.NoiseLower + rnd.IntN(o.cfg.NoiseUpper-o.cfg.NoiseLower+1)

	value = n + offset
	if value < 0 {
		value = 0
	}
	plusMinus = max(-o.cfg.NoiseLower, o.cfg.NoiseUpper)
	return value, plusMinus, false
}

// Mask applies low cell size masking alone, for aggregate breakdowns.
func (o *Obfuscator) Mask(n int) (int, bool) {
	return o.mask(n)
}

func (o *Obfuscator) mask(n int) (int, bool) {
	if o.cfg.LowCellEnabled && n > 0 && n <= o.cfg.LowCellThreshold {
		return o.cfg.LowCellThreshold, true
	}
	return n, false
}

// Seed derives a noise seed from cohort members.
func Seed(patientIDs []string) uint64 {
	h := fnv.New64a()
	for _, id := range patientIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
