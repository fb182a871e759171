// Package common holds small helpers shared across packages.
package common

import (
	"math"
	"strings"
)

// HasAny reports whether s contains at least one of the substrings.
// Matching is case-sensitive; callers lowercase first when needed.
func HasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	f := math.Pow10(places)
	return math.Round(v*f) / f
}
