package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanAndStdDev(t *testing.T) {
	assert.InDelta(t, 2.0, Mean([]float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 1.0, StdDev([]float64{1, 2, 3}), 1e-9)
	assert.Zero(t, Mean(nil))
	assert.Zero(t, StdDev(nil))
}

func TestReturns(t *testing.T) {
	got := Returns([]float64{100, 110, 99})
	require.Len(t, got, 2)
	assert.InDelta(t, 0.10, got[0], 1e-9)
	assert.InDelta(t, -0.10, got[1], 1e-9)

	assert.Empty(t, Returns([]float64{100}))
}

func TestCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	assert.InDelta(t, 1.0, Correlation(x, x), 1e-9)
	assert.Zero(t, Correlation(x, []float64{1, 2}))
}

func TestRSIInsufficientData(t *testing.T) {
	assert.Nil(t, RSI([]float64{1, 2, 3}, 14))
	assert.Nil(t, RSI(nil, 14))
	assert.Nil(t, RSI([]float64{1, 2, 3}, 0))
}

func TestRSITrendingSeries(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	rsi := RSI(up, 14)
	require.NotNil(t, rsi)
	// A monotonically rising series pins RSI at the top of the scale.
	assert.InDelta(t, 100, *rsi, 1e-6)

	down := make([]float64, 30)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	rsi = RSI(down, 14)
	require.NotNil(t, rsi)
	assert.InDelta(t, 0, *rsi, 1e-6)
}
