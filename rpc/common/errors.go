package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Result codes
// --------------------------------------------------------------------------

// ResultCode is the single result code a call reports. Codes produced by the remote
// side are passed through unchanged, codes with the TSP layer bit are synthesized locally.
type ResultCode uint32

const (
	ResultSuccess ResultCode = 0

	// local (TSP layer) codes
	tspLayer                          = 0x3000
	ResultInternalError    ResultCode = tspLayer | 0x004
	ResultOutOfMemory      ResultCode = tspLayer | 0x005
	ResultNotImplemented   ResultCode = tspLayer | 0x006
	ResultCommFailure      ResultCode = tspLayer | 0x011
	ResultNoConnection     ResultCode = tspLayer | 0x102
	ResultConnectionFailed ResultCode = tspLayer | 0x103
	ResultConnectionBroken ResultCode = tspLayer | 0x104

	// codes a daemon reports for its own (TCS) layer
	tcsLayer                           = 0x2000
	TCSBadParameter         ResultCode = tcsLayer | 0x003
	TCSInternalError        ResultCode = tcsLayer | 0x004
	TCSNotImplemented       ResultCode = tcsLayer | 0x006
	TCSKeyAlreadyRegistered ResultCode = tcsLayer | 0x008
	TCSKeyNotFound          ResultCode = tcsLayer | 0x020
	TCSInvalidContext       ResultCode = tcsLayer | 0x0c5
	TCSInvalidAuthHandle    ResultCode = tcsLayer | 0x0c7

	// codes a daemon reports on behalf of the TPM
	TPMBadIndex     ResultCode = 0x2
	TPMBadParameter ResultCode = 0x3
	TPMInvalidAuth  ResultCode = 0x22
)

// Error implements the error interface so remote codes can be returned as they are
func (r ResultCode) Error() string {
	return fmt.Sprintf("result code %#x", uint32(r))
}

// IsLocal reports whether the code was synthesized on this side of the connection
func (r ResultCode) IsLocal() bool {
	return r&0xf000 == tspLayer
}

// --------------------------------------------------------------------------
// Local errors
// --------------------------------------------------------------------------

// Error is a locally detected failure. Callers compare against the sentinels below with
// errors.Is, the Code is what gets reported as the call's result code.
type Error struct {
	Code ResultCode
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

var (
	// ErrNoConnection is returned for an unknown or already closed client handle
	ErrNoConnection = &Error{Code: ResultNoConnection, Msg: "no connection"}
	// ErrAlreadyConnected is returned when connecting a handle that already has a live entry
	ErrAlreadyConnected = &Error{Code: ResultConnectionFailed, Msg: "already connected"}
	// ErrOutOfMemory is returned when a buffer cannot grow to the requested size
	ErrOutOfMemory = &Error{Code: ResultOutOfMemory, Msg: "allocation failed"}
	// ErrMarshal is returned when an in-parameter does not fit its slot
	ErrMarshal = &Error{Code: ResultInternalError, Msg: "marshaling error"}
	// ErrDesync is returned when a reply does not carry the expected type tags
	ErrDesync = &Error{Code: ResultInternalError, Msg: "protocol desync"}
	// ErrCommFailure is returned for socket level failures (send, receive, peer closed)
	ErrCommFailure = &Error{Code: ResultCommFailure, Msg: "communication failure"}
	// ErrConnectionFailed is returned when the daemon cannot be resolved or dialed
	ErrConnectionFailed = &Error{Code: ResultConnectionFailed, Msg: "connection failed"}
	// ErrNotImplemented is returned by commands the remote service does not provide
	ErrNotImplemented = &Error{Code: ResultNotImplemented, Msg: "not implemented"}
)

// Code maps an error returned by this module to the result code a caller reports.
// nil maps to ResultSuccess, errors of unknown origin to ResultInternalError.
func Code(err error) ResultCode {
	if err == nil {
		return ResultSuccess
	}
	var local *Error
	if errors.As(err, &local) {
		return local.Code
	}
	var remote ResultCode
	if errors.As(err, &remote) {
		return remote
	}
	return ResultInternalError
}

// IsCommunication reports whether err is a socket level failure
func IsCommunication(err error) bool {
	return errors.Is(err, ErrCommFailure) || errors.Is(err, ErrConnectionFailed)
}
