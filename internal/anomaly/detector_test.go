package anomaly_test

import (
	"testing"

	"github.com/septivank/meter-sync/internal/anomaly"
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/shopspring/decimal"
)

const (
	testMonotonicTolerance = 0.5
	testSpikeRatio         = 3.0
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func ptr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func TestCheck_NegativeValue(t *testing.T) {
	detector := anomaly.NewDetector(testMonotonicTolerance, testSpikeRatio)

	isAnomaly, reason := detector.Check(dec("-10.5"), ptr("100"))

	if !isAnomaly {
		t.Error("Expected anomaly for negative value")
	}
	if reason != reading.ReasonNegativeValue {
		t.Errorf("Expected reason %q, got %q", reading.ReasonNegativeValue, reason)
	}
}

func TestCheck_NoHistory(t *testing.T) {
	detector := anomaly.NewDetector(testMonotonicTolerance, testSpikeRatio)

	if isAnomaly, reason := detector.Check(dec("100"), nil); isAnomaly {
		t.Errorf("Expected no anomaly without history, got %s", reason)
	}
}

func TestCheck_WithinMonotonicTolerance(t *testing.T) {
	detector := anomaly.NewDetector(testMonotonicTolerance, testSpikeRatio)

	if isAnomaly, reason := detector.Check(dec("99.5"), ptr("100")); isAnomaly {
		t.Errorf("Expected value at the tolerance boundary to pass, got %s", reason)
	}
}

func TestCheck_NonMonotonic(t *testing.T) {
	detector := anomaly.NewDetector(testMonotonicTolerance, testSpikeRatio)

	isAnomaly, reason := detector.Check(dec("99.4"), ptr("100"))

	if !isAnomaly {
		t.Error("Expected anomaly for register going backwards")
	}
	if reason != reading.ReasonNonMonotonic {
		t.Errorf("Expected reason %q, got %q", reading.ReasonNonMonotonic, reason)
	}
}

func TestCheck_SuddenSpike(t *testing.T) {
	detector := anomaly.NewDetector(testMonotonicTolerance, testSpikeRatio)

	isAnomaly, reason := detector.Check(dec("350"), ptr("100"))

	if !isAnomaly {
		t.Error("Expected anomaly for sudden spike")
	}
	if reason != reading.ReasonSpike {
		t.Errorf("Expected reason %q, got %q", reading.ReasonSpike, reason)
	}
}

func TestCheck_SpikeDisabled(t *testing.T) {
	detector := anomaly.NewDetector(testMonotonicTolerance, 0)

	if isAnomaly, reason := detector.Check(dec("350"), ptr("100")); isAnomaly {
		t.Errorf("Expected spike detection to be disabled, got %s", reason)
	}
}

func TestCheck_ZeroPrior(t *testing.T) {
	detector := anomaly.NewDetector(testMonotonicTolerance, testSpikeRatio)

	// Should not trigger spike detection when the prior value is 0
	if isAnomaly, _ := detector.Check(dec("100"), ptr("0")); isAnomaly {
		t.Error("Should not detect spike when prior value is 0")
	}
}
