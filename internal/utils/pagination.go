// Package utils provides small, generic helper functions shared across
// layers. These utilities are independent of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int, returning def when the string is
// empty or not a valid integer. Parsing is strict: no trimming, no partial
// parses, so " 42" and "42x" both fall back to the default.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// AtoiInRange parses s like AtoiDefault and clamps the result into
// [lo, hi]. List endpoints use it for page, page_size, and limit query
// parameters: an out-of-range value gets the nearest bound instead of an
// error response.
func AtoiInRange(s string, def, lo, hi int) int {
	n := AtoiDefault(s, def)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
