package experiments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimulatedBinary(t *testing.T) {
	r := RunScenario(t, "simulated_binary")
	assert.Equal(t, r.Accuracy.Total, r.Accuracy.Exact)
	assert.Zero(t, r.Accuracy.Refused)
}

func TestSimulatedMulticlass(t *testing.T) {
	r := RunScenario(t, "simulated_multiclass")
	assert.Equal(t, r.Accuracy.Total, r.Accuracy.Exact)
	assert.Zero(t, r.Accuracy.Refused)
}

func TestInferenceSmallLattice(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}
	r := RunScenario(t, "small_lattice")
	assert.Equal(t, r.Accuracy.Total, r.Accuracy.Exact)
}

func TestInferenceSentiment(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}
	r := RunScenario(t, "sentiment")
	assert.Equal(t, r.Accuracy.Total, r.Accuracy.Exact)
}

func TestFormatResults(t *testing.T) {
	config, ok := GetScenario("simulated_binary")
	assert.True(t, ok)
	out := formatResults(config, ExperimentResult{Accuracy: AccuracyInfo{Exact: 3, Model: 2, Total: 4}})
	assert.Contains(t, out, "Scenario: simulated_binary")
	assert.Contains(t, out, "Circuit Agreement:  75.00% (3/4)")
	assert.Contains(t, out, "Model Agreement:    50.00% (2/4)")

	_, ok = GetScenario("nope")
	assert.False(t, ok)
}

// go test -timeout 0 -v -run TestInferenceSentiment
// go test -timeout 0 -v
