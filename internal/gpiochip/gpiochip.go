// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

// Package gpiochip implements the whole-chip GPIO vector read C3 needs
// (getGPIOValues(chipLabel) → values indexed by line offset). Grounded
// on pkg/gpio/gpio.go's RequestLines/mapGpiocdevError pattern, changed
// from "request one named line" to "snapshot every line on a chip,"
// which is what spec.md §4.3/§4.6 require.
package gpiochip

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/warthog618/go-gpiocdev"
)

// ReadAll opens chipLabel, requests every line as input, reads the
// values in one ioctl, and closes the chip. The returned slice is
// indexed by line offset, per spec.md §4.3. Callers must not retain the
// slice past the tick that produced it (spec.md §5).
func ReadAll(chipLabel string) ([]int, error) {
	chip, err := gpiocdev.NewChip(chipLabel, gpiocdev.WithConsumer("powerseqd"))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("open chip %s", chipLabel))
	}
	defer chip.Close()

	offsets := make([]int, chip.Lines)
	for i := range offsets {
		offsets[i] = i
	}
	if len(offsets) == 0 {
		return nil, nil
	}

	lines, err := gpiocdev.RequestLines(chipLabel, offsets, gpiocdev.AsInput, gpiocdev.WithConsumer("powerseqd"))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("request lines on chip %s", chipLabel))
	}
	defer lines.Close()

	values := make([]int, len(offsets))
	if err := lines.Values(values); err != nil {
		return nil, mapErr(err, fmt.Sprintf("read values on chip %s", chipLabel))
	}
	return values, nil
}

// findNamedLine resolves lineName to its offset on chipLabel, the same
// way pkg/gpio.RequestLine does via gpiocdev.FindLine.
func findNamedLine(chipLabel, lineName string) (int, error) {
	foundChip, offset, err := gpiocdev.FindLine(lineName)
	if err != nil {
		return 0, mapErr(err, fmt.Sprintf("find line %s", lineName))
	}
	if filepath.Base(foundChip) != filepath.Base(chipLabel) {
		return 0, &errs.InternalError{Message: fmt.Sprintf("line %s not found on chip %s", lineName, chipLabel)}
	}
	return offset, nil
}

// SetByName drives chipLabel's line named lineName to value (0 or 1),
// adapted from pkg/gpio.SetGPIO for the device power-enable control line
// spec.md §3 names on PowerSequencerDevice.
func SetByName(chipLabel, lineName string, value int) error {
	offset, err := findNamedLine(chipLabel, lineName)
	if err != nil {
		return err
	}
	line, err := gpiocdev.RequestLine(chipLabel, offset, gpiocdev.AsOutput(value), gpiocdev.WithConsumer("powerseqd"))
	if err != nil {
		return mapErr(err, fmt.Sprintf("request line %s on chip %s", lineName, chipLabel))
	}
	defer line.Close()
	return nil
}

// GetByName reads the current value of chipLabel's line named lineName,
// used for the device power-good line spec.md §3 names on
// PowerSequencerDevice.
func GetByName(chipLabel, lineName string) (int, error) {
	offset, err := findNamedLine(chipLabel, lineName)
	if err != nil {
		return 0, err
	}
	line, err := gpiocdev.RequestLine(chipLabel, offset, gpiocdev.AsInput, gpiocdev.WithConsumer("powerseqd"))
	if err != nil {
		return 0, mapErr(err, fmt.Sprintf("request line %s on chip %s", lineName, chipLabel))
	}
	defer line.Close()
	return line.Value()
}

func mapErr(err error, details string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, syscall.ENOENT):
		return &errs.InternalError{Message: fmt.Sprintf("chip not found: %s", details), Cause: err}
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return &errs.InternalError{Message: fmt.Sprintf("permission denied: %s", details), Cause: err}
	default:
		return &errs.InternalError{Message: details, Cause: err}
	}
}
