// SPDX-License-Identifier: BSD-3-Clause

package action

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/u-bmc/powerseqd/internal/errs"
)

var variableRe = regexp.MustCompile(`^\$\{([A-Za-z0-9_]+)\}`)

// Expand substitutes every leading `${name}` occurrence in s using
// variables, scanning left-to-right, per spec.md §4.4.2. A missing
// variable is a parse-time invalid-argument error. Text that is not
// part of a `${...}` match is copied through unchanged.
func Expand(s string, variables map[string]string) (string, error) {
	var out strings.Builder
	for len(s) > 0 {
		if m := variableRe.FindStringSubmatchIndex(s); m != nil && m[0] == 0 {
			name := s[m[2]:m[3]]
			value, ok := variables[name]
			if !ok {
				return "", fmt.Errorf("%w: undefined variable %q", errs.ErrInvalidArgument, name)
			}
			out.WriteString(value)
			s = s[m[1]:]
			continue
		}
		out.WriteByte(s[0])
		s = s[1:]
	}
	return out.String(), nil
}

// ParseBitPosition fully-consumingly parses a bit position in 0..=7.
func ParseBitPosition(s string) (uint8, error) {
	n, err := parseFullyConsumingUint(s, 8)
	if err != nil {
		return 0, err
	}
	if n > 7 {
		return 0, fmt.Errorf("%w: bit position %d out of range 0..=7", errs.ErrInvalidArgument, n)
	}
	return uint8(n), nil
}

// ParseUint8 fully-consumingly parses an 8-bit unsigned integer,
// accepting both decimal and "0x"-prefixed hex forms.
func ParseUint8(s string) (uint8, error) {
	n, err := parseFullyConsumingUint(s, 8)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

// ParseUint16 fully-consumingly parses a 16-bit unsigned integer.
func ParseUint16(s string) (uint16, error) {
	n, err := parseFullyConsumingUint(s, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// ParseInt8 fully-consumingly parses an 8-bit signed integer.
func ParseInt8(s string) (int8, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed != s {
		return 0, fmt.Errorf("%w: %q has leading or trailing whitespace", errs.ErrInvalidArgument, s)
	}
	n, err := strconv.ParseInt(trimmed, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a valid int8: %v", errs.ErrInvalidArgument, s, err)
	}
	return int8(n), nil
}

// ParseHexByte fully-consumingly parses a "0xNN"-style hex byte.
func ParseHexByte(s string) (uint8, error) {
	trimmed := strings.TrimSpace(s)
	hasPrefix := strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X")
	if trimmed != s || !hasPrefix {
		return 0, fmt.Errorf("%w: %q is not a valid hex byte", errs.ErrInvalidArgument, s)
	}
	n, err := strconv.ParseUint(trimmed[2:], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a valid hex byte: %v", errs.ErrInvalidArgument, s, err)
	}
	return uint8(n), nil
}

// ParseDouble fully-consumingly parses a float64.
func ParseDouble(s string) (float64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed != s {
		return 0, fmt.Errorf("%w: %q has leading or trailing whitespace", errs.ErrInvalidArgument, s)
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a valid number: %v", errs.ErrInvalidArgument, s, err)
	}
	return v, nil
}

// ParseInteger fully-consumingly parses a signed int.
func ParseInteger(s string) (int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed != s {
		return 0, fmt.Errorf("%w: %q has leading or trailing whitespace", errs.ErrInvalidArgument, s)
	}
	n, err := strconv.ParseInt(trimmed, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a valid integer: %v", errs.ErrInvalidArgument, s, err)
	}
	return int(n), nil
}

func parseFullyConsumingUint(s string, bitSize int) (uint64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed != s {
		return 0, fmt.Errorf("%w: %q has leading or trailing whitespace", errs.ErrInvalidArgument, s)
	}
	n, err := strconv.ParseUint(trimmed, 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a valid unsigned integer: %v", errs.ErrInvalidArgument, s, err)
	}
	return n, nil
}
