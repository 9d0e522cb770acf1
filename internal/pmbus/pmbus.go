// SPDX-License-Identifier: BSD-3-Clause

// Package pmbus implements the PMBus driver adapter (C2): named
// sysfs-style reads/writes atop the I²C transport, the PAGE→hwmon-index
// mapping built by scanning label files, and the Linear11/Linear16
// conversion and VOUT_MODE parsing helpers used throughout the action
// engine and the rail pgood evaluator.
//
// Grounded on pkg/i2c/pmbus.go (command table, conversions) and
// pkg/hwmon/discovery.go (regex-driven hwmon directory scan), narrowed
// to exactly the files spec.md §4.2 names.
package pmbus

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/u-bmc/powerseqd/internal/errs"
)

// PMBus command addresses used by this daemon (spec.md §4.2, §4.4).
const (
	CmdPage             = 0x00
	CmdOperation        = 0x01
	CmdClearFaults      = 0x03
	CmdVoutMode         = 0x20
	CmdVoutCommand      = 0x21
	CmdVoutUVFaultLimit = 0x44
	CmdStatusByte       = 0x78
	CmdStatusWord       = 0x79
	CmdStatusVout       = 0x7A
	CmdReadVout         = 0x8B
)

// StatusVoutWarningMask marks the two STATUS_VOUT bits (VOUT_OV_WARNING,
// VOUT_UV_WARNING) that indicate a marginal condition rather than a
// fault; any other set bit in STATUS_VOUT is a fault, per the PMBus
// STATUS_VOUT register layout and spec.md §4.5 step 2.
const StatusVoutWarningMask uint8 = 0b0110_0000

// VOUT_MODE format selector, bits [6:5] of the VOUT_MODE byte.
type VoutFormat uint8

const (
	VoutFormatLinear VoutFormat = 0b00
	VoutFormatVID    VoutFormat = 0b01
	VoutFormatDirect VoutFormat = 0b10
	VoutFormatIEEE   VoutFormat = 0b11
)

func (f VoutFormat) String() string {
	switch f {
	case VoutFormatLinear:
		return "linear"
	case VoutFormatVID:
		return "vid"
	case VoutFormatDirect:
		return "direct"
	case VoutFormatIEEE:
		return "ieee"
	default:
		return "unknown"
	}
}

// ParseVoutMode decodes a raw VOUT_MODE byte per spec.md §4.4.1: bits
// [6:5] select the format, bits [4:0] hold a parameter that for linear
// format is a sign-extended 5-bit two's-complement exponent in [-16,15].
func ParseVoutMode(b uint8) (format VoutFormat, parameter int8) {
	format = VoutFormat((b >> 5) & 0x03)
	raw := int8(b & 0x1F)
	if raw > 15 {
		raw -= 32
	}
	return format, raw
}

// LinearExponent returns the sign-extended 5-bit exponent encoded in a
// VOUT_MODE byte, failing if the format is not linear (§4.4.1: "only
// linear is supported for writes; other formats raise PMBusError").
func LinearExponent(voutMode uint8, deviceID, inventoryPath string) (int8, error) {
	format, exponent := ParseVoutMode(voutMode)
	if format != VoutFormatLinear {
		return 0, &errs.PMBusError{
			DeviceID:      deviceID,
			InventoryPath: inventoryPath,
			Message:       fmt.Sprintf("unsupported VOUT_MODE format: %s", format),
		}
	}
	return exponent, nil
}

// DecodeLinear11 converts a raw LINEAR11 word (5-bit exponent, 11-bit
// mantissa, both in-band) to a float64. Used for non-voltage sensors.
func DecodeLinear11(raw uint16) float64 {
	exponent := int8((raw >> 11) & 0x1F)
	if exponent > 15 {
		exponent -= 32
	}
	mantissa := int16(raw & 0x7FF)
	if mantissa > 1023 {
		mantissa -= 2048
	}
	return float64(mantissa) * math.Pow(2, float64(exponent))
}

// DecodeLinear16 converts a raw LINEAR16 mantissa word with an
// out-of-band exponent (from VOUT_MODE) to a float64.
func DecodeLinear16(raw uint16, exponent int8) float64 {
	return float64(int16(raw)) * math.Pow(2, float64(exponent))
}

// EncodeVoutLinear converts volts to a LINEAR16 mantissa using exponent,
// rounding half-away-from-zero (spec.md §8 property 1, §9 "preserve
// std::lround's rounding"). math.Round is half-away-from-zero in Go.
func EncodeVoutLinear(volts float64, exponent int8) uint16 {
	m := math.Round(volts / math.Pow(2, float64(exponent)))
	if m > math.MaxInt16 {
		m = math.MaxInt16
	} else if m < math.MinInt16 {
		m = math.MinInt16
	}
	return uint16(int16(m))
}

// hwmon label-file regexes, grounded on pkg/hwmon/discovery.go.
var (
	labelFileRe = regexp.MustCompile(`^in(\d+)_label$`)
	voutLabelRe = regexp.MustCompile(`^vout(\d+)$`)
)

// BuildPageMap scans hwmonDir for "in<N>_label" files whose contents
// match "vout<M>" and returns {page: N}, where page = M-1 (the label's
// VOUT index is one-based, per spec.md §4.2). Any later lookup that
// misses the returned map is a caller error.
func BuildPageMap(hwmonDir string) (map[uint8]int, error) {
	entries, err := os.ReadDir(hwmonDir)
	if err != nil {
		return nil, &errs.InternalError{Message: fmt.Sprintf("enumerate hwmon dir %s", hwmonDir), Cause: err}
	}

	pageToIndex := make(map[uint8]int)
	for _, entry := range entries {
		m := labelFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		content, err := os.ReadFile(filepath.Join(hwmonDir, entry.Name()))
		if err != nil {
			continue
		}
		label := strings.TrimSpace(string(content))
		lm := voutLabelRe.FindStringSubmatch(label)
		if lm == nil {
			continue
		}
		voutIndex, err := strconv.Atoi(lm[1])
		if err != nil {
			continue
		}
		pageToIndex[uint8(voutIndex-1)] = n
	}
	return pageToIndex, nil
}

// ReadMillivoltsFile reads a millivolt-ascii sysfs file ("in<N>_input" or
// "in<N>_lcrit") and returns volts = millivolts / 1000.0 (spec.md §4.2).
func ReadMillivoltsFile(path string) (float64, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, &errs.InternalError{Message: fmt.Sprintf("read %s", path), Cause: err}
	}
	millivolts, err := strconv.ParseFloat(strings.TrimSpace(string(content)), 64)
	if err != nil {
		return 0, &errs.InternalError{Message: fmt.Sprintf("parse %s", path), Cause: err}
	}
	return millivolts / 1000.0, nil
}
