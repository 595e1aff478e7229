package money

import (
	"errors"
	"math"
	"strings"
)

// NanoFactor is the number of nano units in one whole unit.
const NanoFactor = 1_000_000_000

// ErrUnparsable is returned when a money string cannot be interpreted
// as a positive amount.
var ErrUnparsable = errors.New("unparsable money string")

// Value is a fixed-point amount as delivered by the broker API:
// an integer part and a fractional part in nano units.
//
// For non-negative amounts Nano is in [0, 1e9); for negative amounts
// Nano is in (-1e9, 0] and carries the same sign as Units.
type Value struct {
	Units int64 `json:"units"`
	Nano  int64 `json:"nano"`
}

// Float converts the fixed-point value to a float64.
// When Units is negative the nano part contributes with the same sign,
// so {-2, 500000000} and {-2, -500000000} both mean -2.5.
func (v Value) Float() float64 {
	nano := v.Nano
	if v.Units < 0 && nano > 0 {
		nano = -nano
	}
	return float64(v.Units) + float64(nano)/NanoFactor
}

// IsZero reports whether the value is exactly zero.
func (v Value) IsZero() bool {
	return v.Units == 0 && v.Nano == 0
}

// FromFloat converts a float64 into a fixed-point Value.
// The conversion is exact for amounts representable in nano granularity.
func FromFloat(f float64) Value {
	units := math.Trunc(f)
	nano := math.Round((f - units) * NanoFactor)

	// Rounding the fraction can carry into the next whole unit.
	if nano >= NanoFactor {
		units++
		nano -= NanoFactor
	} else if nano <= -NanoFactor {
		units--
		nano += NanoFactor
	}

	return Value{Units: int64(units), Nano: int64(nano)}
}

// FloatFromParts converts optional units/nano fields to a float64.
// Upstream responses may omit either structured field; a missing field
// counts as zero.
func FloatFromParts(units, nano *int64) float64 {
	var v Value
	if units != nil {
		v.Units = *units
	}
	if nano != nil {
		v.Nano = *nano
	}
	return v.Float()
}

// ParseAmount parses a human-formatted money string such as
// "1 234 567,89 руб", "$1,234.56" or "€999" into a positive amount and
// an ISO currency code. Currency is detected from the symbol: "$" maps
// to USD, "€" to EUR, anything else to RUB.
//
// Non-positive and unparseable inputs return ErrUnparsable so callers
// can treat the amount as absent.
func ParseAmount(s string) (float64, string, error) {
	currency := "RUB"
	if strings.ContainsRune(s, '$') {
		currency = "USD"
	} else if strings.ContainsRune(s, '€') {
		currency = "EUR"
	}

	digits := extractNumber(s)
	if digits == "" {
		return 0, "", ErrUnparsable
	}

	amount, err := parseDecimal(digits)
	if err != nil || amount <= 0 || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return 0, "", ErrUnparsable
	}

	return amount, currency, nil
}

// extractNumber strips everything except digits and separator characters,
// dropping regular and non-breaking spaces inside grouped numbers.
func extractNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ',' || r == '.':
			b.WriteRune(r)
		case r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseDecimal interprets a digit string that may use either "," or "."
// as the decimal separator, with the other character (if present) acting
// as a thousands separator.
func parseDecimal(s string) (float64, error) {
	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both present: the rightmost one is the decimal separator.
		if lastDot > lastComma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// "1,234" and "1,234,567" are grouped integers.
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	var value float64
	var frac float64
	var fracDiv float64 = 1
	inFrac := false
	negative := false
	seenDigit := false

	for _, r := range s {
		switch {
		case r == '-':
			negative = true
		case r == '.':
			if inFrac {
				return 0, ErrUnparsable
			}
			inFrac = true
		case r >= '0' && r <= '9':
			seenDigit = true
			d := float64(r - '0')
			if inFrac {
				fracDiv *= 10
				frac += d / fracDiv
			} else {
				value = value*10 + d
			}
		default:
			return 0, ErrUnparsable
		}
	}

	if !seenDigit {
		return 0, ErrUnparsable
	}

	value += frac
	if negative {
		value = -value
	}
	return value, nil
}
