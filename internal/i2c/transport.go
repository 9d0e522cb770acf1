// SPDX-License-Identifier: BSD-3-Clause

//go:build linux
// +build linux

// Package i2c implements the I²C transport (C1): byte, word, and block
// read/write against a bus+address, with an explicit open/close/isOpen
// lifecycle. Grounded on pkg/i2c/i2c.go's raw ioctl/SMBus plumbing and
// pkg/i2c/conn.go's Conn lifecycle shape, narrowed to exactly the
// operations spec.md §4.1 names. Transport faults are raised as
// *errs.TransportError; callers do not retry at this layer.
package i2c

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/u-bmc/powerseqd/internal/errs"
)

// I2C/SMBus ioctl constants, unchanged from the Linux i2c-dev ABI.
const (
	i2cSlave = 0x0703
	i2cSMBus = 0x0720

	smbusWrite = 0
	smbusRead  = 1

	smbusByteData     = 2
	smbusWordData     = 3
	smbusBlockData    = 5
	smbusI2CBlockData = 8
)

const maxBlockLen = 255

type smbusIoctlData struct {
	readWrite uint8
	command   uint8
	size      uint32
	data      uintptr
}

// Conn is one open connection to a device at a fixed bus+address. Each
// PowerSequencerDevice and each regulator Device owns its Conn
// exclusively; there is no cross-device sharing (spec.md §5).
type Conn struct {
	mu      sync.Mutex
	bus     string
	busPath string
	address uint8
	file    *os.File
}

// New returns an unopened connection for bus (a label such as "3" that
// resolves to /dev/i2c-<bus>) and address.
func New(bus string, address uint8) *Conn {
	return &Conn{bus: bus, busPath: fmt.Sprintf("/dev/i2c-%s", bus), address: address}
}

// IsOpen reports whether the underlying device file is open.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file != nil
}

// Open opens the device file and binds the slave address. Calling Open
// when already open is a caller error per spec.md §4.1 ("action code
// must only call open when !isOpen"); Open still returns cleanly if
// called again to keep the failure local to callers that violate the
// contract, rather than corrupting file-descriptor state.
func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		return nil
	}

	f, err := os.OpenFile(c.busPath, os.O_RDWR, 0)
	if err != nil {
		return c.transportErr(err)
	}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), i2cSlave, uintptr(c.address)); errno != 0 {
		f.Close()
		return c.transportErr(errno)
	}

	c.file = f
	return nil
}

// Close closes the device file. Safe to call when already closed; never
// raises (spec.md §3: "closing must be safe to call when already closed
// and must not raise").
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	_ = c.file.Close()
	c.file = nil
	return nil
}

func (c *Conn) transportErr(cause error) error {
	return &errs.TransportError{Bus: c.bus, Address: c.address, Cause: cause}
}

func (c *Conn) ioctlSMBus(data *smbusIoctlData) error {
	if c.file == nil {
		return c.transportErr(fmt.Errorf("connection not open"))
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, c.file.Fd(), i2cSMBus, uintptr(unsafe.Pointer(data))); errno != 0 {
		return c.transportErr(errno)
	}
	return nil
}

// ReadByte reads one byte from register.
func (c *Conn) ReadByte(register uint8) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var value uint8
	data := smbusIoctlData{
		readWrite: smbusRead,
		command:   register,
		size:      smbusByteData,
		data:      uintptr(unsafe.Pointer(&value)),
	}
	if err := c.ioctlSMBus(&data); err != nil {
		return 0, err
	}
	return value, nil
}

// WriteByte writes one byte to register.
func (c *Conn) WriteByte(register, value uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := smbusIoctlData{
		readWrite: smbusWrite,
		command:   register,
		size:      smbusByteData,
		data:      uintptr(unsafe.Pointer(&value)),
	}
	return c.ioctlSMBus(&data)
}

// ReadWord reads a two-byte little-endian value from register (the
// PMBus convention, per spec.md §4.1).
func (c *Conn) ReadWord(register uint8) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var value uint16
	data := smbusIoctlData{
		readWrite: smbusRead,
		command:   register,
		size:      smbusWordData,
		data:      uintptr(unsafe.Pointer(&value)),
	}
	if err := c.ioctlSMBus(&data); err != nil {
		return 0, err
	}
	return value, nil
}

// WriteWord writes a two-byte little-endian value to register.
func (c *Conn) WriteWord(register uint8, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := smbusIoctlData{
		readWrite: smbusWrite,
		command:   register,
		size:      smbusWordData,
		data:      uintptr(unsafe.Pointer(&value)),
	}
	return c.ioctlSMBus(&data)
}

// smbusBlockBuf is the buffer passed for SMBus block transfers: a
// leading length byte followed by room for maxBlockLen (255) data bytes.
type smbusBlockBuf struct {
	length uint8
	data   [maxBlockLen]uint8
}

// ReadBlockSMBus reads a size-prefixed ("SMBus block") transfer from
// register: the device returns its own length byte, which is returned
// to the caller along with the data.
func (c *Conn) ReadBlockSMBus(register uint8) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf smbusBlockBuf
	buf.length = maxBlockLen
	data := smbusIoctlData{
		readWrite: smbusRead,
		command:   register,
		size:      smbusBlockData,
		data:      uintptr(unsafe.Pointer(&buf)),
	}
	if err := c.ioctlSMBus(&data); err != nil {
		return nil, err
	}
	out := make([]byte, buf.length)
	copy(out, buf.data[:buf.length])
	return out, nil
}

// WriteBlockSMBus writes value with a leading size byte in wire format.
func (c *Conn) WriteBlockSMBus(register uint8, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(value) > maxBlockLen {
		return c.transportErr(fmt.Errorf("block length %d exceeds %d", len(value), maxBlockLen))
	}
	var buf smbusBlockBuf
	buf.length = uint8(len(value))
	copy(buf.data[:], value)

	data := smbusIoctlData{
		readWrite: smbusWrite,
		command:   register,
		size:      smbusBlockData,
		data:      uintptr(unsafe.Pointer(&buf)),
	}
	return c.ioctlSMBus(&data)
}

// ReadBlock reads exactly length bytes from register using the explicit
// "I2C block" size mode, which every multi-byte action primitive in
// spec.md §4.4 uses (not the SMBus size-byte mode).
func (c *Conn) ReadBlock(register uint8, length int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if length < 1 || length > maxBlockLen {
		return nil, c.transportErr(fmt.Errorf("invalid block length %d", length))
	}
	var buf smbusBlockBuf
	buf.length = uint8(length)
	data := smbusIoctlData{
		readWrite: smbusRead,
		command:   register,
		size:      smbusI2CBlockData,
		data:      uintptr(unsafe.Pointer(&buf)),
	}
	if err := c.ioctlSMBus(&data); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, buf.data[:length])
	return out, nil
}

// WriteBlock writes value to register using the explicit-size mode.
func (c *Conn) WriteBlock(register uint8, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(value) < 1 || len(value) > maxBlockLen {
		return c.transportErr(fmt.Errorf("invalid block length %d", len(value)))
	}
	var buf smbusBlockBuf
	buf.length = uint8(len(value))
	copy(buf.data[:], value)

	data := smbusIoctlData{
		readWrite: smbusWrite,
		command:   register,
		size:      smbusI2CBlockData,
		data:      uintptr(unsafe.Pointer(&buf)),
	}
	return c.ioctlSMBus(&data)
}
