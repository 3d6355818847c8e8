// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package votifier

import "fmt"

// ErrCodeT represents a relay failure class.
type ErrCodeT uint32

const (
	// ErrCodeInvalid is an invalid error code.
	ErrCodeInvalid ErrCodeT = 0

	// ErrCodeVoteInvalid is returned when the vote or target fails
	// verification before any connection is opened.
	ErrCodeVoteInvalid ErrCodeT = 1

	// ErrCodeConnectFailure is returned on OS level connection failures:
	// refused, unreachable, DNS.
	ErrCodeConnectFailure ErrCodeT = 2

	// ErrCodeHandshakeParseFailure is returned when the handshake banner
	// is malformed or absent.
	ErrCodeHandshakeParseFailure ErrCodeT = 3

	// ErrCodeEncodingFailure is returned on bad key material or an
	// encryption or signature computation error.
	ErrCodeEncodingFailure ErrCodeT = 4

	// ErrCodeTimeout is returned when the relay deadline expires in any
	// state.
	ErrCodeTimeout ErrCodeT = 5

	// ErrCodeProtocolRejection is returned when the remote explicitly
	// signals non acceptance of the vote.
	ErrCodeProtocolRejection ErrCodeT = 6

	// errCodeLast unit test only.
	errCodeLast ErrCodeT = 7
)

// ErrCodes contains the human readable error messages.
var ErrCodes = map[ErrCodeT]string{
	ErrCodeInvalid:               "invalid",
	ErrCodeVoteInvalid:           "vote invalid",
	ErrCodeConnectFailure:        "connect failure",
	ErrCodeHandshakeParseFailure: "handshake parse failure",
	ErrCodeEncodingFailure:       "encoding failure",
	ErrCodeTimeout:               "timeout",
	ErrCodeProtocolRejection:     "protocol rejection",
}

// RelayError is the error type that all relay attempt failures are converted
// to at the session boundary. It is never allowed to propagate as a fault to
// the caller; the session wraps it into a failed Outcome.
type RelayError struct {
	Code ErrCodeT
	Err  error
}

// Error satisfies the error interface.
func (e RelayError) Error() string {
	code, ok := ErrCodes[e.Code]
	if !ok {
		code = fmt.Sprintf("unknown error code %d", uint32(e.Code))
	}
	if e.Err == nil {
		return code
	}
	return fmt.Sprintf("%v: %v", code, e.Err)
}

// Unwrap returns the underlying error.
func (e RelayError) Unwrap() error {
	return e.Err
}

func relayErr(code ErrCodeT, format string, args ...interface{}) RelayError {
	return RelayError{
		Code: code,
		Err:  fmt.Errorf(format, args...),
	}
}
