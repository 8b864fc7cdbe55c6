package anomaly

import (
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/shopspring/decimal"
)

// Detector checks reading values against sanity bounds with configurable thresholds
type Detector struct {
	monotonicTolerance decimal.Decimal
	spikeRatio         decimal.Decimal
}

// NewDetector creates a detector. A reading may fall below the prior value by at
// most monotonicTolerance; a spikeRatio of zero disables spike detection.
func NewDetector(monotonicTolerance, spikeRatio float64) *Detector {
	return &Detector{
		monotonicTolerance: decimal.NewFromFloat(monotonicTolerance),
		spikeRatio:         decimal.NewFromFloat(spikeRatio),
	}
}

// Check returns a reason code when value violates the bounds relative to prior.
// prior is nil when the meter has no history.
func (d *Detector) Check(value decimal.Decimal, prior *decimal.Decimal) (bool, string) {
	if value.IsNegative() {
		return true, reading.ReasonNegativeValue
	}

	if prior == nil {
		return false, ""
	}

	// Registers only count up; allow a small rollback for rounding on the device
	if value.LessThan(prior.Sub(d.monotonicTolerance)) {
		return true, reading.ReasonNonMonotonic
	}

	if d.spikeRatio.IsPositive() && prior.IsPositive() && value.GreaterThan(prior.Mul(d.spikeRatio)) {
		return true, reading.ReasonSpike
	}

	return false, ""
}
