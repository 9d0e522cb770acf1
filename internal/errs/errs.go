// SPDX-License-Identifier: BSD-3-Clause

// Package errs implements the error taxonomy and the error-logging
// pipeline (C10): classification of a wrapped error chain by priority,
// deduplication of repeated error kinds within one context, and
// dispatch to the structured journal sink.
package errs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel causes, grouped by taxonomy kind. Concrete error values wrap
// one of these via fmt.Errorf("%w: ...", ...) so callers can classify
// with errors.Is without inspecting the wrapper type directly.
var (
	ErrConfigFile         = errors.New("configuration file error")
	ErrTransport          = errors.New("transport error")
	ErrPMBus              = errors.New("PMBus error")
	ErrWriteVerification  = errors.New("write verification error")
	ErrAction             = errors.New("action error")
	ErrInternal           = errors.New("internal error")
	ErrPresence           = errors.New("presence error")
	ErrVPD                = errors.New("VPD error")
	ErrDBus               = errors.New("D-Bus error")
	ErrUnknownID          = errors.New("unknown id")
	ErrRuleDepthExceeded  = errors.New("rule nesting depth exceeded")
	ErrMissingVariable    = errors.New("missing variable")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// Severity mirrors the journal severities used by the structured event
// sink (C3's logError(message, severity, additionalData)).
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// ConfigFileError is a parse error for the JSON configuration, carrying
// the file path and a human message.
type ConfigFileError struct {
	Path    string
	Message string
	Cause   error
}

func (e *ConfigFileError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", ErrConfigFile, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", ErrConfigFile, e.Message)
}

func (e *ConfigFileError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrConfigFile
}

// TransportError is a low-level bus failure (C1), carrying the bus label
// and device address.
type TransportError struct {
	Bus     string
	Address uint8
	Cause   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: bus=%s addr=0x%02x: %v", ErrTransport, e.Bus, e.Address, e.Cause)
}

func (e *TransportError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrTransport
}

// PMBusError is a semantic failure of a PMBus operation (e.g. an
// unsupported VOUT_MODE format), carrying the device id and inventory
// path.
type PMBusError struct {
	DeviceID      string
	InventoryPath string
	Message       string
	Cause         error
}

func (e *PMBusError) Error() string {
	return fmt.Sprintf("%s: device=%s: %s", ErrPMBus, e.DeviceID, e.Message)
}

func (e *PMBusError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrPMBus
}

// WriteVerificationError records a read-back after write that disagreed
// with the value written.
type WriteVerificationError struct {
	Register     uint8
	ValueWritten uint16
	ValueRead    uint16
}

func (e *WriteVerificationError) Error() string {
	return fmt.Sprintf("%s: register 0x%02x: value_written: 0x%X, value_read: 0x%X",
		ErrWriteVerification, e.Register, e.ValueWritten, e.ValueRead)
}

func (e *WriteVerificationError) Unwrap() error {
	return ErrWriteVerification
}

// ActionError wraps any lower-level cause with the textual description
// of the action that failed. The cause is preserved so the logging
// pipeline can classify through it.
type ActionError struct {
	Description string
	Cause       error
}

func (e *ActionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrAction, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrAction, e.Description)
}

func (e *ActionError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrAction
}

// InternalError is anything not classified by the rest of the taxonomy.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrInternal, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrInternal, e.Message)
}

func (e *InternalError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrInternal
}

// PresenceError, VPDError and DBusError are façade-layer (C3) errors.
type PresenceError struct {
	InventoryPath string
	Cause         error
}

func (e *PresenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPresence, e.InventoryPath, e.Cause)
}

func (e *PresenceError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrPresence
}

type VPDError struct {
	FRU     string
	Keyword string
	Cause   error
}

func (e *VPDError) Error() string {
	return fmt.Sprintf("%s: fru=%s keyword=%s: %v", ErrVPD, e.FRU, e.Keyword, e.Cause)
}

func (e *VPDError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrVPD
}

type DBusError struct {
	Message string
	Cause   error
}

func (e *DBusError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDBus, e.Message, e.Cause)
}

func (e *DBusError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrDBus
}

// priority returns the classification priority of err's own type; the
// causes it wraps are not consulted, since Classify rates each link of
// the chain separately. Matches spec.md §4.10/§7: ConfigFileError,
// PMBusError, WriteVerificationError, TransportError are "high";
// DBusError is "medium"; everything else, including unrecognized
// errors, is "low".
func priority(err error) int {
	switch err.(type) {
	case *ConfigFileError, *PMBusError, *WriteVerificationError, *TransportError:
		return 3
	case *DBusError:
		return 2
	default:
		return 1
	}
}

func asAny[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// Classify walks a nested error chain innermost→outermost and returns
// the outermost error holding the highest classification priority seen
// along the way. If no link matches any known kind, the original error
// is returned so the caller can log it as a generic/internal failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	type link struct {
		err error
		pri int
	}
	var chain []link
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		chain = append(chain, link{cur, priority(cur)})
	}

	best := chain[len(chain)-1]
	bestIdx := len(chain) - 1
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].pri >= best.pri {
			best = chain[i]
			bestIdx = i
		}
	}
	_ = bestIdx
	return best.err
}

// Kind is the taxonomy label used as the ErrorHistory dedup key.
type Kind string

const (
	KindConfigFile        Kind = "ConfigFileError"
	KindTransport         Kind = "TransportError"
	KindPMBus             Kind = "PMBusError"
	KindWriteVerification Kind = "WriteVerificationError"
	KindAction            Kind = "ActionError"
	KindDBus              Kind = "DBusError"
	KindPresence          Kind = "PresenceError"
	KindVPD               Kind = "VPDError"
	KindInternal          Kind = "InternalError"
)

// KindOf derives the dedup kind of a classified error.
func KindOf(err error) Kind {
	switch {
	case asAny[*ConfigFileError](err):
		return KindConfigFile
	case asAny[*PMBusError](err):
		return KindPMBus
	case asAny[*WriteVerificationError](err):
		return KindWriteVerification
	case asAny[*TransportError](err):
		return KindTransport
	case asAny[*ActionError](err):
		return KindAction
	case asAny[*DBusError](err):
		return KindDBus
	case asAny[*PresenceError](err):
		return KindPresence
	case asAny[*VPDError](err):
		return KindVPD
	default:
		return KindInternal
	}
}

// ErrorHistory deduplicates repeated logging of the same error kind
// within one error context (e.g. one monitor tick), per spec.md §3/§7.
// Each history carries a correlation id, grounded on the teacher's
// pkg/id.NewID, so every journal entry logged through it can be tied
// back to the same FFDC context in the structured journal sink.
type ErrorHistory struct {
	id     string
	logged map[Kind]bool
}

// NewErrorHistory returns an empty history with a fresh correlation id.
func NewErrorHistory() *ErrorHistory {
	return &ErrorHistory{id: uuid.New().String(), logged: make(map[Kind]bool)}
}

// ID returns the correlation id for this error context, for inclusion
// alongside a logged error's additional data.
func (h *ErrorHistory) ID() string {
	return h.id
}

// ShouldLog reports whether an error of this kind has not yet been
// logged in this history, and marks it logged as a side effect.
func (h *ErrorHistory) ShouldLog(kind Kind) bool {
	if h.logged[kind] {
		return false
	}
	h.logged[kind] = true
	return true
}

// AdditionalData is the string-keyed FFDC map accumulated by actions and
// rail/device fault detection (ActionEnvironment.additionalErrorData and
// the maps threaded through findPgoodFault/hasPgoodFault).
type AdditionalData map[string]string

// Set stores value under key, appending "_2", "_3", ... if key is
// already present, per the I2CCaptureBytesAction uniqueness rule in
// spec.md §4.4.
func (a AdditionalData) Set(key, value string) string {
	candidate := key
	for n := 2; ; n++ {
		if _, exists := a[candidate]; !exists {
			a[candidate] = value
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", key, n)
	}
}
