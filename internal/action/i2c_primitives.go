// SPDX-License-Identifier: BSD-3-Clause

package action

import (
	"fmt"

	"github.com/u-bmc/powerseqd/internal/errs"
)

// CompareBit is i2c_compare_bit: {register, position, value}.
type CompareBit struct {
	Register uint8
	Position uint8
	Value    uint8
}

func (a *CompareBit) String() string {
	return fmt.Sprintf("i2c_compare_bit{register: 0x%02x, position: %d, value: %d}", a.Register, a.Position, a.Value)
}

func (a *CompareBit) Execute(env *ActionEnvironment) (bool, error) {
	d, err := env.device(a.String())
	if err != nil {
		return false, err
	}
	current, err := d.Conn().ReadByte(a.Register)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	bit := (current >> a.Position) & 0x01
	return bit == a.Value, nil
}

// WriteBit is i2c_write_bit: read-modify-write a single bit.
type WriteBit struct {
	Register uint8
	Position uint8
	Value    uint8
}

func (a *WriteBit) String() string {
	return fmt.Sprintf("i2c_write_bit{register: 0x%02x, position: %d, value: %d}", a.Register, a.Position, a.Value)
}

func (a *WriteBit) Execute(env *ActionEnvironment) (bool, error) {
	d, err := env.device(a.String())
	if err != nil {
		return false, err
	}
	current, err := d.Conn().ReadByte(a.Register)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	var next uint8
	if a.Value != 0 {
		next = current | (1 << a.Position)
	} else {
		next = current &^ (1 << a.Position)
	}
	if err := d.Conn().WriteByte(a.Register, next); err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	return true, nil
}

// CompareByte is i2c_compare_byte: {register, value, mask=0xFF}.
type CompareByte struct {
	Register uint8
	Value    uint8
	Mask     uint8
}

func (a *CompareByte) effectiveMask() uint8 {
	if a.Mask == 0 {
		return 0xFF
	}
	return a.Mask
}

func (a *CompareByte) String() string {
	return fmt.Sprintf("i2c_compare_byte{register: 0x%02x, value: 0x%02x, mask: 0x%02x}", a.Register, a.Value, a.effectiveMask())
}

func (a *CompareByte) Execute(env *ActionEnvironment) (bool, error) {
	d, err := env.device(a.String())
	if err != nil {
		return false, err
	}
	current, err := d.Conn().ReadByte(a.Register)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	mask := a.effectiveMask()
	return (current & mask) == (a.Value & mask), nil
}

// WriteByte is i2c_write_byte: {register, value, mask=0xFF}. Straight
// write when mask is 0xFF; read-modify-write otherwise.
type WriteByte struct {
	Register uint8
	Value    uint8
	Mask     uint8
}

func (a *WriteByte) effectiveMask() uint8 {
	if a.Mask == 0 {
		return 0xFF
	}
	return a.Mask
}

func (a *WriteByte) String() string {
	return fmt.Sprintf("i2c_write_byte{register: 0x%02x, value: 0x%02x, mask: 0x%02x}", a.Register, a.Value, a.effectiveMask())
}

func (a *WriteByte) Execute(env *ActionEnvironment) (bool, error) {
	d, err := env.device(a.String())
	if err != nil {
		return false, err
	}
	mask := a.effectiveMask()
	if mask == 0xFF {
		if err := d.Conn().WriteByte(a.Register, a.Value); err != nil {
			return false, &errs.ActionError{Description: a.String(), Cause: err}
		}
		return true, nil
	}
	current, err := d.Conn().ReadByte(a.Register)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	next := (a.Value & mask) | (current &^ mask)
	if err := d.Conn().WriteByte(a.Register, next); err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	return true, nil
}

// CompareBytes is i2c_compare_bytes: N consecutive bytes in one block
// transaction, mask vector optional (defaults to 0xFF per byte).
type CompareBytes struct {
	Register uint8
	Values   []uint8
	Masks    []uint8
}

func (a *CompareBytes) String() string {
	return fmt.Sprintf("i2c_compare_bytes{register: 0x%02x, count: %d}", a.Register, len(a.Values))
}

func (a *CompareBytes) Execute(env *ActionEnvironment) (bool, error) {
	d, err := env.device(a.String())
	if err != nil {
		return false, err
	}
	current, err := d.Conn().ReadBlock(a.Register, len(a.Values))
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	for i, want := range a.Values {
		mask := uint8(0xFF)
		if i < len(a.Masks) {
			mask = a.Masks[i]
		}
		if (current[i] & mask) != (want & mask) {
			return false, nil
		}
	}
	return true, nil
}

// WriteBytes is i2c_write_bytes: N consecutive bytes in one block
// transaction. Without masks, writes straight; with masks, each byte is
// read-modify-written individually before the block write (the mask
// vector, like the single-byte case, only ever needs the register's
// current contents, which a block read already gave us).
type WriteBytes struct {
	Register uint8
	Values   []uint8
	Masks    []uint8
}

func (a *WriteBytes) String() string {
	return fmt.Sprintf("i2c_write_bytes{register: 0x%02x, count: %d}", a.Register, len(a.Values))
}

func (a *WriteBytes) Execute(env *ActionEnvironment) (bool, error) {
	d, err := env.device(a.String())
	if err != nil {
		return false, err
	}
	if len(a.Masks) == 0 {
		if err := d.Conn().WriteBlock(a.Register, a.Values); err != nil {
			return false, &errs.ActionError{Description: a.String(), Cause: err}
		}
		return true, nil
	}
	current, err := d.Conn().ReadBlock(a.Register, len(a.Values))
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	next := make([]byte, len(a.Values))
	for i, want := range a.Values {
		mask := uint8(0xFF)
		if i < len(a.Masks) {
			mask = a.Masks[i]
		}
		next[i] = (want & mask) | (current[i] &^ mask)
	}
	if err := d.Conn().WriteBlock(a.Register, next); err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	return true, nil
}

// CaptureBytes is i2c_capture_bytes: {register, count}. Reads count
// bytes and stores them in env.AdditionalData under a deduplicated key.
type CaptureBytes struct {
	Register uint8
	Count    int
}

func (a *CaptureBytes) String() string {
	return fmt.Sprintf("i2c_capture_bytes{register: 0x%02x, count: %d}", a.Register, a.Count)
}

func (a *CaptureBytes) Execute(env *ActionEnvironment) (bool, error) {
	d, err := env.device(a.String())
	if err != nil {
		return false, err
	}
	data, err := d.Conn().ReadBlock(a.Register, a.Count)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}

	key := fmt.Sprintf("%s_register_0x%02X", d.ID(), a.Register)
	env.AdditionalData.Set(key, formatByteVector(data))
	return true, nil
}

func formatByteVector(data []byte) string {
	s := "[ "
	for i, b := range data {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("0x%02X", b)
	}
	return s + " ]"
}
