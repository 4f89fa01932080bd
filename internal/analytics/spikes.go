package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

// spikeScore is the deviation, in mean absolute deviations from the median,
// at which a bucket counts as a spike.
const spikeScore = 3.0

// Spike is a trend bucket whose error count stands out from the window.
type Spike struct {
	Bucket string    `json:"bucket"`
	Start  time.Time `json:"start"`
	Count  int       `json:"count"`
	Median float64   `json:"median"`
	Score  float64   `json:"score"`
}

// ErrorSpikes flags error trend buckets that deviate from the median bucket by
// at least three mean absolute deviations. Fewer than three buckets never
// produce a spike.
func (e *Engine) ErrorSpikes(ctx context.Context, rng models.TimeRange, granularity models.Granularity) ([]Spike, error) {
	const op = "analytics.error_spikes"
	if granularity == "" {
		granularity = e.granularity
	}
	rng, err := e.resolveRange(op, rng, DefaultTrendWindow)
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "error_spikes", rng, string(granularity), func(ctx context.Context) ([]Spike, error) {
		points, err := e.trend(ctx, op, rng, granularity)
		if err != nil {
			return nil, err
		}
		return detectSpikes(points), nil
	})
}

func detectSpikes(points []TrendPoint) []Spike {
	out := make([]Spike, 0)
	if len(points) < 3 {
		return out
	}
	counts := make([]float64, 0, len(points))
	for _, p := range points {
		counts = append(counts, float64(p.Count))
	}
	median := percentile(counts, 0.5)
	mad := meanAbsoluteDeviation(counts, median)
	if mad == 0 {
		mad = 1
	}
	for _, p := range points {
		if float64(p.Count) <= median {
			continue
		}
		score := (float64(p.Count) - median) / mad
		if score >= spikeScore {
			out = append(out, Spike{Bucket: p.Bucket, Start: p.Start, Count: p.Count, Median: median, Score: score})
		}
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
