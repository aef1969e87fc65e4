package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidQuotaGB(t *testing.T) {
	for _, gb := range []float64{0, 0.5, 100, MaxQuotaGB} {
		assert.True(t, ValidQuotaGB(gb), "%v", gb)
		assert.GreaterOrEqual(t, GBToBytes(gb), int64(0), "%v", gb)
	}
	for _, gb := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1), 1e30, MaxQuotaGB + 1} {
		assert.False(t, ValidQuotaGB(gb), "%v", gb)
	}
}
