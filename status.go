package netmon

import (
	"errors"
	"fmt"
)

// Status is a filtering engine result code. Values follow the 32-bit
// NTSTATUS/HRESULT layout the engine reports, so they can be logged
// verbatim. StatusSuccess is never returned as an error.
type Status uint32

const (
	StatusSuccess              Status = 0x00000000
	StatusCalloutNotFound      Status = 0x80320001
	StatusProviderNotFound     Status = 0x80320005
	StatusSublayerNotFound     Status = 0x80320007
	StatusNotFound             Status = 0x80320008
	StatusAlreadyExists        Status = 0x80320009
	StatusInUse                Status = 0x8032000A
	StatusInvalidHandle        Status = 0xC0000008
	StatusUnsuccessful         Status = 0xC0000001
	StatusAccessDenied         Status = 0xC0000022
	StatusCalloutNotRegistered Status = 0xC0220001
)

// Error implements the error interface.
func (s Status) Error() string {
	return fmt.Sprintf("%s (%s)", s.String(), s.Hex())
}

// String returns a short name for the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCalloutNotFound:
		return "callout not found"
	case StatusProviderNotFound:
		return "provider not found"
	case StatusSublayerNotFound:
		return "sublayer not found"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusCalloutNotRegistered:
		return "callout not registered"
	case StatusNotFound:
		return "not found"
	case StatusAlreadyExists:
		return "already exists"
	case StatusInUse:
		return "in use"
	case StatusUnsuccessful:
		return "unsuccessful"
	case StatusAccessDenied:
		return "access denied"
	default:
		return "unknown status"
	}
}

// Hex formats the status code the way engine diagnostics print it.
func (s Status) Hex() string {
	return fmt.Sprintf("0x%08X", uint32(s))
}

// StatusOf extracts the engine status carried by err. A nil error
// maps to StatusSuccess; an error without a status maps to
// StatusUnsuccessful.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusUnsuccessful
}

// IsAlreadyExists reports whether err is the benign result of adding
// an object that is already registered.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, StatusAlreadyExists)
}

// IsNotFound reports whether err is the benign result of deleting an
// object that is not registered. The engine reports a kind-specific
// code for providers, sublayers and callouts.
func IsNotFound(err error) bool {
	switch StatusOf(err) {
	case StatusNotFound, StatusProviderNotFound, StatusSublayerNotFound, StatusCalloutNotFound:
		return true
	}
	return false
}
