package anomaly

// Ensemble combines several detectors' scores into one verdict, weighted
// per detector, per §4.6 "Ensemble mode combines weighted scores."
type Ensemble struct {
	Detectors []Detector
	Weights   []float64
}

func (e Ensemble) Score(sample float64, history []float64) Result {
	if len(e.Detectors) == 0 {
		return Result{Explanation: "no detectors configured"}
	}
	totalWeight := 0.0
	weighted := 0.0
	anomalyVotes := 0.0
	for i, d := range e.Detectors {
		w := 1.0
		if i < len(e.Weights) {
			w = e.Weights[i]
		}
		r := d.Score(sample, history)
		weighted += r.Score * w
		totalWeight += w
		if r.IsAnomaly {
			anomalyVotes += w
		}
	}
	if totalWeight == 0 {
		return Result{Explanation: "zero total detector weight"}
	}
	return Result{
		IsAnomaly:   anomalyVotes/totalWeight >= 0.5,
		Score:       clamp01(weighted / totalWeight),
		Explanation: "ensemble of weighted detector scores",
	}
}
