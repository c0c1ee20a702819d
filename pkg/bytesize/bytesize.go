// Package bytesize parses and formats human-readable byte sizes.
// Units are binary (1024-based): K/KB/KiB through T/TB/TiB, matched
// case-insensitively; a bare number is bytes.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Size constants, binary base.
const (
	B  Size = 1
	KB Size = 1024 * B
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

// sizePattern matches an integer or float followed by an optional unit.
var sizePattern = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)\s*([A-Za-z]*)\s*$`)

// Parse reads a size like "50GB", "1.5 GiB", or "5242880".
func Parse(s string) (Size, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}

	mult, err := unitMultiplier(m[2])
	if err != nil {
		return 0, err
	}
	return Size(value * float64(mult)), nil
}

func unitMultiplier(unit string) (Size, error) {
	switch strings.ToLower(unit) {
	case "", "b":
		return B, nil
	case "k", "kb", "kib":
		return KB, nil
	case "m", "mb", "mib":
		return MB, nil
	case "g", "gb", "gib":
		return GB, nil
	case "t", "tb", "tib":
		return TB, nil
	}
	return 0, fmt.Errorf("bytesize: unknown unit %q", unit)
}

// Format renders the size with the largest unit that keeps the value at
// or above one.
func Format(s Size) string {
	var sign string
	if s < 0 {
		sign, s = "-", -s
	}

	units := []struct {
		div  Size
		name string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}
	for _, u := range units {
		if s >= u.div {
			return sign + trimFloat(float64(s)/float64(u.div)) + u.name
		}
	}
	return fmt.Sprintf("%s%dB", sign, s)
}

// trimFloat renders with at most two decimals, dropping trailing zeros.
func trimFloat(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(v, 'f', 2, 64), "0"), ".")
}

// Bytes returns the size as int64.
func (s Size) Bytes() int64 { return int64(s) }

// String returns the human-readable rendering.
func (s Size) String() string { return Format(s) }
