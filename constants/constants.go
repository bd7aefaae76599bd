// Package constants defines VISA completion codes, interface types and the
// attribute identifiers used across the backends.
//
// # Status Codes
//
// Every VISA operation completes with a ViStatus (a signed 32-bit integer).
// Negative values are errors, zero is success and positive values are
// successful completions carrying extra information (for example that a read
// stopped on the termination character).
//
// The error codes share the 0xBFFF0000 prefix and the completion codes the
// 0x3FFF0000 prefix:
//
//	┌──────────────┬────────────────────────────────────────┐
//	│  0xBFFF00xx  │ error (negative as int32)              │
//	├──────────────┼────────────────────────────────────────┤
//	│  0x00000000  │ VI_SUCCESS                             │
//	├──────────────┼────────────────────────────────────────┤
//	│  0x3FFF00xx  │ successful completion with information │
//	└──────────────┴────────────────────────────────────────┘
//
// # Reference
//
// IVI-4.2 VISA Library Specification (VPP-4.3), Section 3.
package constants

import (
	"errors"
	"fmt"
)

// StatusCode is a VISA completion code (ViStatus).
type StatusCode int32

// errorBase is 0xBFFF0000 interpreted as int32.
const (
	errorBase   StatusCode = -0x40010000
	successBase StatusCode = 0x3FFF0000
)

// Completion codes.
const (
	StatusSuccess                  StatusCode = 0
	StatusSuccessTermChar          StatusCode = successBase + 0x05
	StatusSuccessMaxCount          StatusCode = successBase + 0x06
	StatusSuccessDeviceNotPresent  StatusCode = successBase + 0x7D
	StatusErrorSystem              StatusCode = errorBase + 0x00
	StatusErrorInvalidObject       StatusCode = errorBase + 0x0E
	StatusErrorInvalidExpression   StatusCode = errorBase + 0x10
	StatusErrorResourceNotFound    StatusCode = errorBase + 0x11
	StatusErrorInvalidResourceName StatusCode = errorBase + 0x12
	StatusErrorTimeout             StatusCode = errorBase + 0x15
	StatusErrorClosingFailed       StatusCode = errorBase + 0x16
	StatusErrorInvalidSetup        StatusCode = errorBase + 0x3A
	StatusErrorIO                  StatusCode = errorBase + 0x3E
	StatusErrorNotSupported        StatusCode = errorBase + 0x67
	StatusErrorLibraryNotFound     StatusCode = errorBase + 0x9E
	StatusErrorConnectionLost      StatusCode = errorBase + 0xA6
)

type statusInfo struct {
	name string
	desc string
}

var statusTable = map[StatusCode]statusInfo{
	StatusSuccess:                  {"VI_SUCCESS", "Operation completed successfully."},
	StatusSuccessTermChar:          {"VI_SUCCESS_TERM_CHAR", "The specified termination character was read."},
	StatusSuccessMaxCount:          {"VI_SUCCESS_MAX_CNT", "The number of bytes read is equal to the input count."},
	StatusSuccessDeviceNotPresent:  {"VI_SUCCESS_DEV_NPRESENT", "Session opened successfully, but the device at the specified address is not responding."},
	StatusErrorSystem:              {"VI_ERROR_SYSTEM_ERROR", "Unknown system error (miscellaneous error)."},
	StatusErrorInvalidObject:       {"VI_ERROR_INV_OBJECT", "The given session or object reference is invalid."},
	StatusErrorInvalidExpression:   {"VI_ERROR_INV_EXPR", "Invalid expression specified for search."},
	StatusErrorResourceNotFound:    {"VI_ERROR_RSRC_NFOUND", "Insufficient location information or the requested device or resource is not present in the system."},
	StatusErrorInvalidResourceName: {"VI_ERROR_INV_RSRC_NAME", "Invalid resource reference specified. Parsing error."},
	StatusErrorTimeout:             {"VI_ERROR_TMO", "Timeout expired before operation completed."},
	StatusErrorClosingFailed:       {"VI_ERROR_CLOSING_FAILED", "Unable to deallocate the previously allocated data structures corresponding to this session or object reference."},
	StatusErrorInvalidSetup:        {"VI_ERROR_INV_SETUP", "Unable to start operation because setup is invalid (due to attributes being set to an inconsistent state)."},
	StatusErrorIO:                  {"VI_ERROR_IO", "Could not perform operation because of I/O error."},
	StatusErrorNotSupported:        {"VI_ERROR_NSUP_OPER", "The given session or object reference does not support this operation."},
	StatusErrorLibraryNotFound:     {"VI_ERROR_LIBRARY_NFOUND", "A code library required by VISA could not be located or loaded."},
	StatusErrorConnectionLost:      {"VI_ERROR_CONN_LOST", "The connection for the given session has been lost."},
}

// String returns the VISA symbolic name of the code.
func (s StatusCode) String() string {
	if info, ok := statusTable[s]; ok {
		return info.name
	}
	return fmt.Sprintf("VI_STATUS(0x%08X)", uint32(s)) // #nosec G115 -- formatting the raw bit pattern
}

// Description returns a human readable explanation of the code.
func (s StatusCode) Description() string {
	if info, ok := statusTable[s]; ok {
		return info.desc
	}
	return "Unknown code."
}

// IsError reports whether the code denotes a failed operation.
func (s StatusCode) IsError() bool {
	return s < 0
}

// Error is returned by backends when an operation completes with an error
// status code.
type Error struct {
	Code StatusCode
	Op   string
}

// NewError returns an *Error for op failing with code.
func NewError(op string, code StatusCode) *Error {
	return &Error{Code: code, Op: op}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, int32(e.Code), e.Code.Description())
	}
	return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Code, int32(e.Code), e.Code.Description())
}

// Is allows errors.Is(err, constants.StatusErrorTimeout).
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case StatusCode:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// Error makes a StatusCode usable as an errors.Is target.
func (s StatusCode) Error() string {
	return s.String()
}

// StatusOf extracts the status code carried by err. It returns
// StatusSuccess for nil and StatusErrorSystem for errors that carry none.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Code
	}
	var code StatusCode
	if errors.As(err, &code) {
		return code
	}
	return StatusErrorSystem
}

// InterfaceType identifies the hardware interface of a resource.
type InterfaceType int

const (
	InterfaceUnknown InterfaceType = -1
	InterfaceGPIB    InterfaceType = 1
	InterfaceVXI     InterfaceType = 2
	InterfaceGPIBVXI InterfaceType = 3
	InterfaceASRL    InterfaceType = 4
	InterfacePXI     InterfaceType = 5
	InterfaceTCPIP   InterfaceType = 6
	InterfaceUSB     InterfaceType = 7
)

// String returns the interface prefix used in resource names.
func (i InterfaceType) String() string {
	switch i {
	case InterfaceGPIB:
		return "GPIB"
	case InterfaceVXI:
		return "VXI"
	case InterfaceGPIBVXI:
		return "GPIB-VXI"
	case InterfaceASRL:
		return "ASRL"
	case InterfacePXI:
		return "PXI"
	case InterfaceTCPIP:
		return "TCPIP"
	case InterfaceUSB:
		return "USB"
	default:
		return "UNKNOWN"
	}
}

// AccessMode is the lock mode requested when opening a resource.
type AccessMode uint32

const (
	AccessNoLock        AccessMode = 0
	AccessExclusiveLock AccessMode = 1
	AccessSharedLock    AccessMode = 2
)

// Attribute identifies a VISA attribute (ViAttr).
type Attribute uint32

// Attributes set by the resource layer.
const (
	AttrTimeoutValue      Attribute = 0x3FFF001A
	AttrTermChar          Attribute = 0x3FFF0018
	AttrTermCharEnabled   Attribute = 0x3FFF0038
	AttrSendEndEnabled    Attribute = 0x3FFF0016
	AttrSuppressEndEnable Attribute = 0x3FFF0036
)

// TimeoutInfinite disables the I/O timeout (VI_TMO_INFINITE).
const TimeoutInfinite uint32 = 0xFFFFFFFF
