package client

import (
	"fmt"
	"math"
	"time"

	"github.com/Farx1/SA-FHE/pkg/ensemble"
)

// Result is a decrypted prediction.
type Result struct {
	RequestID string
	Label     string
	Class     int
	// Confidence is the probability of Label; 0 for regression.
	Confidence    float64
	Scores        []float64
	Probabilities []float64

	ProcessingTime time.Duration
	QueueTime      time.Duration
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func softmax(scores []float64) []float64 {
	max := math.Inf(-1)
	for _, s := range scores {
		max = math.Max(max, s)
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Interpret turns raw ensemble scores into a label. A binary model votes
// labels[1] exactly when its score is positive.
func Interpret(scores []float64, objective ensemble.Objective, labels []string) (*Result, error) {
	r := &Result{Scores: append([]float64(nil), scores...)}
	switch objective {
	case ensemble.BinaryLogistic:
		if len(scores) != 1 || len(labels) != 2 {
			return nil, fmt.Errorf("binary model with %d scores and %d labels", len(scores), len(labels))
		}
		p := sigmoid(scores[0])
		r.Probabilities = []float64{1 - p, p}
		if scores[0] > 0 {
			r.Class = 1
		}
		r.Confidence = math.Max(p, 1-p)
	case ensemble.MultiSoftmax:
		if len(scores) < 2 || len(labels) != len(scores) {
			return nil, fmt.Errorf("multi-class model with %d scores and %d labels", len(scores), len(labels))
		}
		r.Probabilities = softmax(scores)
		for i, p := range r.Probabilities {
			if p > r.Probabilities[r.Class] {
				r.Class = i
			}
		}
		r.Confidence = r.Probabilities[r.Class]
	case ensemble.Regression:
		if len(scores) != 1 {
			return nil, fmt.Errorf("regression model with %d scores", len(scores))
		}
		r.Label = fmt.Sprintf("%g", scores[0])
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported objective %q", objective)
	}
	r.Label = labels[r.Class]
	return r, nil
}
