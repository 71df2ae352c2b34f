package anomaly

import (
	"fmt"
	"math"
)

// Statistical is the mandatory z-score detector: a sample more than
// threshold(sensitivity) standard deviations from the history's mean is
// flagged. Higher sensitivity lowers the threshold.
type Statistical struct {
	cfg Config
}

func NewStatistical(cfg Config) *Statistical {
	return &Statistical{cfg: cfg}
}

func (d *Statistical) Score(sample float64, history []float64) Result {
	if len(history) < d.cfg.MinDataPoints {
		return Result{Explanation: "insufficient history"}
	}

	mean, stddev := meanStddev(history)
	if stddev == 0 {
		if sample == mean {
			return Result{Explanation: "no variance, sample matches mean"}
		}
		return Result{IsAnomaly: true, Score: 1, Explanation: fmt.Sprintf("no variance in history, sample %.2f differs from constant %.2f", sample, mean)}
	}

	z := (sample - mean) / stddev
	az := math.Abs(z)
	threshold := 3.0 - d.cfg.Sensitivity*1.5

	return Result{
		IsAnomaly:   az > threshold,
		Score:       clamp01(az / (threshold * 2)),
		Explanation: fmt.Sprintf("z-score %.2f (threshold %.2f), history mean %.2f stddev %.2f", z, threshold, mean, stddev),
	}
}

func meanStddev(xs []float64) (mean, stddev float64) {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(xs)))
	return mean, stddev
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
