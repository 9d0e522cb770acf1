// SPDX-License-Identifier: BSD-3-Clause

package pmbus

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/i2c"
)

// Kind selects which sysfs-style root a named read/write targets, per
// spec.md §4.2.
type Kind int

const (
	KindDebug Kind = iota
	KindHwmon
	KindHwmonDeviceDebug
)

// Device is the per-device PMBus adapter (C2): bus, address, driver
// name, and instance identify the sysfs-backed device; hwmonRoot is the
// hwmon directory enumerated to build the page→index map.
type Device struct {
	Bus        string
	Address    uint8
	DriverName string
	Instance   int
	hwmonRoot  string

	conn    *i2c.Conn
	pageMap map[uint8]int
}

// NewDevice constructs a PMBus adapter over conn, rooted at hwmonRoot
// (a directory such as "/sys/class/hwmon/hwmon3" in production, or a
// test fixture directory).
func NewDevice(conn *i2c.Conn, bus string, address uint8, driverName string, instance int, hwmonRoot string) *Device {
	return &Device{
		Bus: bus, Address: address, DriverName: driverName, Instance: instance,
		hwmonRoot: hwmonRoot, conn: conn,
	}
}

// GetPath returns the hwmon directory to enumerate label files, per
// spec.md §4.2's getPath(Hwmon) operation.
func (d *Device) GetPath(kind Kind) string {
	return d.hwmonRoot
}

// InvalidatePageMap clears the cached page→hwmon-index map. Called at
// the start of each fault-detection pass on a device, per spec.md §3.
func (d *Device) InvalidatePageMap() {
	d.pageMap = nil
}

func (d *Device) ensurePageMap() error {
	if d.pageMap != nil {
		return nil
	}
	m, err := BuildPageMap(d.hwmonRoot)
	if err != nil {
		return err
	}
	d.pageMap = m
	return nil
}

func (d *Device) hwmonIndex(page uint8) (int, error) {
	if err := d.ensurePageMap(); err != nil {
		return 0, err
	}
	idx, ok := d.pageMap[page]
	if !ok {
		return 0, &errs.PMBusError{DeviceID: d.Bus, Message: fmt.Sprintf("no hwmon index mapped for page %d", page)}
	}
	return idx, nil
}

// ReadString reads a sysfs-style text file: a label file or a
// millivolt-ascii file, per spec.md §4.2.
func (d *Device) ReadString(name string, kind Kind) (string, error) {
	path := filepath.Join(d.hwmonRoot, name)
	content, err := os.ReadFile(path)
	if err != nil {
		return "", &errs.InternalError{Message: fmt.Sprintf("read %s", path), Cause: err}
	}
	return strings.TrimSpace(string(content)), nil
}

// SetPage sets the active PMBus page via the raw PAGE command (C1).
func (d *Device) SetPage(page uint8) error {
	return d.conn.WriteByte(CmdPage, page)
}

// ReadStatusWord returns STATUS_WORD for page from "status<page>",
// 16-bit.
func (d *Device) ReadStatusWord(page uint8) (uint16, error) {
	s, err := d.ReadString(fmt.Sprintf("status%d", page), KindHwmon)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		// Fall back to a direct register read through the transport when
		// the file's text does not parse as hex (production hwmon exposes
		// status words as hex text; tests may not). A file that cannot be
		// read at all returns the read error above.
		if err := d.SetPage(page); err != nil {
			return 0, err
		}
		return d.conn.ReadWord(CmdStatusWord)
	}
	return uint16(v), nil
}

// ReadStatusVout returns STATUS_VOUT for page from "status<page>_vout",
// 8-bit.
func (d *Device) ReadStatusVout(page uint8) (uint8, error) {
	s, err := d.ReadString(fmt.Sprintf("status%d_vout", page), KindHwmon)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
	if err != nil {
		if err := d.SetPage(page); err != nil {
			return 0, err
		}
		return d.conn.ReadByte(CmdStatusVout)
	}
	return uint8(v), nil
}

// ReadVout returns the output voltage for page in volts, read from
// "in<N>_input" as millivolts_ascii/1000.0.
func (d *Device) ReadVout(page uint8) (float64, error) {
	idx, err := d.hwmonIndex(page)
	if err != nil {
		return 0, err
	}
	return ReadMillivoltsFile(filepath.Join(d.hwmonRoot, fmt.Sprintf("in%d_input", idx)))
}

// ReadVoutUVFaultLimit returns VOUT_UV_FAULT_LIMIT for page in volts,
// read the same way from "in<N>_lcrit".
func (d *Device) ReadVoutUVFaultLimit(page uint8) (float64, error) {
	idx, err := d.hwmonIndex(page)
	if err != nil {
		return 0, err
	}
	return ReadMillivoltsFile(filepath.Join(d.hwmonRoot, fmt.Sprintf("in%d_lcrit", idx)))
}

// ReadMfrStatus returns the 48-bit vendor MFR_STATUS register in host
// byte order.
func (d *Device) ReadMfrStatus() (uint64, error) {
	s, err := d.ReadString("mfr_status", KindHwmonDeviceDebug)
	if err == nil {
		v, perr := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
		if perr == nil {
			return v, nil
		}
	}
	// Fall back to a raw 6-byte block read over the transport.
	data, err := d.conn.ReadBlock(0xF0, 6)
	if err != nil {
		return 0, &errs.PMBusError{DeviceID: d.Bus, Message: "MFR_STATUS read failed", Cause: err}
	}
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * uint(i))
	}
	return v, nil
}

// ReadVoutMode reads the raw VOUT_MODE byte through the transport.
func (d *Device) ReadVoutMode() (uint8, error) {
	return d.conn.ReadByte(CmdVoutMode)
}

// WriteVoutCommand writes a 2-byte VOUT_COMMAND value.
func (d *Device) WriteVoutCommand(value uint16) error {
	return d.conn.WriteWord(CmdVoutCommand, value)
}

// ReadVoutCommand reads back VOUT_COMMAND (used for write verification).
func (d *Device) ReadVoutCommand() (uint16, error) {
	return d.conn.ReadWord(CmdVoutCommand)
}

// Conn exposes the underlying transport for the action engine's raw
// i2c_* primitives, which operate below the named-file abstraction.
func (d *Device) Conn() *i2c.Conn {
	return d.conn
}
