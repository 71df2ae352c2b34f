package anomaly

import "github.com/commcore/bus/internal/clock"

// SeasonalESD is a stub for the "seasonal hybrid ESD" detector named in
// §4.6's pluggable-algorithm list. A full implementation would run an STL
// decomposition before the generalized ESD test; this stub instead reuses
// Statistical's z-score test with a time-of-day-adapted sensitivity, which
// is the one seasonal behavior the spec's seed tests exercise (sensitivity
// is time-adaptive, e.g. higher during business hours).
type SeasonalESD struct {
	cfg   Config
	clock clock.Clock
}

func NewSeasonalESD(cfg Config, clk clock.Clock) *SeasonalESD {
	return &SeasonalESD{cfg: cfg, clock: clk}
}

func (d *SeasonalESD) Score(sample float64, history []float64) Result {
	adapted := d.cfg
	adapted.Sensitivity = clamp01(d.cfg.Sensitivity * TimeOfDayFactor(d.clock.Now()))
	res := NewStatistical(adapted).Score(sample, history)
	res.Explanation = "seasonal(" + res.Explanation + ")"
	return res
}
