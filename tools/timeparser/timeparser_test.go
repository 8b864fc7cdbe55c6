package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/meter-sync/tools/timeparser"
)

func TestParseDeviceTimestamp_Format1(t *testing.T) {
	result, err := timeparser.ParseDeviceTimestamp("29/12/2025 10:30:45")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseDeviceTimestamp_Format2(t *testing.T) {
	result, err := timeparser.ParseDeviceTimestamp("29 10:30:45/12/2025")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseDeviceTimestamp_RFC3339WithOffset(t *testing.T) {
	result, err := timeparser.ParseDeviceTimestamp("2025-12-29T13:30:45+03:00")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
	if result.Location() != time.UTC {
		t.Errorf("Expected UTC location, got %v", result.Location())
	}
}

func TestParseDeviceTimestamp_Fractional(t *testing.T) {
	result, err := timeparser.ParseDeviceTimestamp("2025-12-29T10:30:45.250Z")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 250_000_000, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseDeviceTimestamp_Invalid(t *testing.T) {
	if _, err := timeparser.ParseDeviceTimestamp("invalid-date-string"); err == nil {
		t.Error("Expected error for invalid timestamp")
	}
	if _, err := timeparser.ParseDeviceTimestamp("   "); err == nil {
		t.Error("Expected error for blank timestamp")
	}
}

func TestIsWithinTolerance_WithinRange(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	receivedTime := time.Date(2025, 12, 29, 10, 33, 0, 0, time.UTC)

	if !timeparser.IsWithinTolerance(readingTime, receivedTime, 5*time.Minute) {
		t.Error("Expected timestamp to be within tolerance")
	}
}

func TestIsWithinTolerance_OutsideRange(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	receivedTime := time.Date(2025, 12, 29, 10, 36, 0, 0, time.UTC)

	if timeparser.IsWithinTolerance(readingTime, receivedTime, 5*time.Minute) {
		t.Error("Expected timestamp to be outside tolerance")
	}
}

func TestIsWithinTolerance_ExactBoundary(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	receivedTime := time.Date(2025, 12, 29, 10, 35, 0, 0, time.UTC)

	if !timeparser.IsWithinTolerance(readingTime, receivedTime, 5*time.Minute) {
		t.Error("Expected timestamp at exact boundary to be within tolerance")
	}
}

func TestClockSkew(t *testing.T) {
	server := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)

	if got := timeparser.ClockSkew(server.Add(-90*time.Second), server); got != 90*time.Second {
		t.Errorf("Expected 90s skew, got %v", got)
	}
	if got := timeparser.ClockSkew(server.Add(time.Minute), server); got != -time.Minute {
		t.Errorf("Expected -1m skew, got %v", got)
	}
	if got := timeparser.ClockSkew(time.Time{}, server); got != 0 {
		t.Errorf("Expected zero skew for unknown device clock, got %v", got)
	}
}
