// SPDX-License-Identifier: BSD-3-Clause

package sequencer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/rail"
)

// ucd90160GPIONames are the 26 named lines of the UCD90160, indexed by
// libgpiod line offset (the Pin IDs from its PMBus interface doc),
// carried verbatim from ucd90160_device.cpp.
var ucd90160GPIONames = []string{
	"FPWM1_GPIO5", "FPWM2_GPIO6", "FPWM3_GPIO7", "FPWM4_GPIO8",
	"FPWM5_GPIO9", "FPWM6_GPIO10", "FPWM7_GPIO11", "FPWM8_GPIO12",
	"GPI1_PWM1", "GPI2_PWM2", "GPI3_PWM3", "GPI4_PWM4",
	"GPIO14", "GPIO15", "TDO_GPIO20", "TCK_GPIO19",
	"TMS_GPIO22", "TDI_GPIO21", "GPIO1", "GPIO2",
	"GPIO3", "GPIO4", "GPIO13", "GPIO16",
	"GPIO17", "GPIO18",
}

// UCD90160Formatter emits the chip's 26 named lines individually into
// additionalData, and logs them in groups of four to keep the journal
// readable, per ucd90160_device.cpp. A vector of unexpected length falls
// back to the plain integer list.
type UCD90160Formatter struct{}

func (UCD90160Formatter) FormatGPIOValues(logger rail.Logger, deviceName string, values []int, additionalData errs.AdditionalData) {
	if len(values) != len(ucd90160GPIONames) {
		additionalData.Set("GPIO_VALUES", formatIntVector(values))
		return
	}

	logger.LogInfo(fmt.Sprintf("device %s GPIO values:", deviceName))
	const groupSize = 4
	for i, name := range ucd90160GPIONames {
		additionalData[name] = strconv.Itoa(values[i])
		if i%groupSize == 0 {
			end := i + groupSize
			if end > len(values) {
				end = len(values)
			}
			logger.LogInfo(fmt.Sprintf("%s: %s", strings.Join(ucd90160GPIONames[i:end], ", "), formatIntVector(values[i:end])))
		}
	}
}

// ucd90320GPIOGroup is one of the five named spans formatted together.
type ucd90320GPIOGroup struct {
	dataKey     string
	journalName string
	offset      int
	count       int
}

// ucd90320GPIOGroups are the five named spans of the UCD90320, carried
// verbatim from ucd90320_device.cpp.
var ucd90320GPIOGroups = []ucd90320GPIOGroup{
	{"MAR01_24_GPIO_VALUES", "MAR01-24", 0, 24},
	{"EN1_32_GPIO_VALUES", "EN1-32", 24, 32},
	{"LGP01_16_GPIO_VALUES", "LGP01-16", 56, 16},
	{"DMON1_8_GPIO_VALUES", "DMON1-8", 72, 8},
	{"GPIO1_4_GPIO_VALUES", "GPIO1-4", 80, 4},
}

// UCD90320Formatter emits the chip's five named spans into
// additionalData and the journal, per ucd90320_device.cpp. A vector of
// unexpected length falls back to the plain integer list.
type UCD90320Formatter struct{}

func (UCD90320Formatter) FormatGPIOValues(logger rail.Logger, deviceName string, values []int, additionalData errs.AdditionalData) {
	last := ucd90320GPIOGroups[len(ucd90320GPIOGroups)-1]
	expected := last.offset + last.count
	if len(values) != expected {
		additionalData.Set("GPIO_VALUES", formatIntVector(values))
		return
	}

	logger.LogInfo(fmt.Sprintf("device %s GPIO values:", deviceName))
	for _, g := range ucd90320GPIOGroups {
		span := formatIntVector(values[g.offset : g.offset+g.count])
		additionalData[g.dataKey] = span
		logger.LogInfo(fmt.Sprintf("%s: %s", g.journalName, span))
	}
}
