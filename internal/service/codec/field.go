package codec

import (
	"math"
	"strconv"
	"strings"
)

// ParseFloat never fails: empty, non-numeric or non-finite input yields 0.
func ParseFloat(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0
	}

	return parsed
}

// ParseInt never fails. Decimal input is truncated.
func ParseInt(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err == nil {
		return parsed
	}

	return int64(ParseFloat(value))
}

type fieldList []string

func (f fieldList) str(idx int) string {
	if idx < 0 || idx >= len(f) {
		return ""
	}
	return strings.TrimSpace(f[idx])
}

func (f fieldList) float(idx int) float64 {
	return ParseFloat(f.str(idx))
}

func (f fieldList) int(idx int) int64 {
	return ParseInt(f.str(idx))
}
