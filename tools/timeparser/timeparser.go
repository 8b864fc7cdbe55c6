package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// deviceFormats lists the timestamp layouts field devices are known to emit
var deviceFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	"02 15:04:05/01/2006", // DD HH:mm:ss/MM/YYYY
}

// ParseDeviceTimestamp attempts to parse a device timestamp with every known format.
// Layouts without a zone are interpreted as UTC.
func ParseDeviceTimestamp(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	var lastErr error
	for _, format := range deviceFormats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinTolerance checks if two instants are at most tolerance apart
func IsWithinTolerance(a, b time.Time, tolerance time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// ClockSkew returns how far the device clock is behind the server clock.
// A negative skew means the device clock runs ahead.
func ClockSkew(deviceClock, serverClock time.Time) time.Duration {
	if deviceClock.IsZero() {
		return 0
	}
	return serverClock.Sub(deviceClock)
}
