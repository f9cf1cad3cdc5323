package felicalite

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation is attempted without an open session.
var ErrNotConnected = errors.New("no open card session")

// ErrInvalidAddress is returned when a block address is outside its numbering scheme.
var ErrInvalidAddress = errors.New("invalid block address")

// ErrReservedKeyVersion is returned by IssueCard for key version 0. A zero CKV
// is how a blank card is recognized, so a card issued with version 0 could be
// issued again.
var ErrReservedKeyVersion = errors.New("key version 0 is reserved: a zero CKV marks a blank card")

// ConnectivityError represents a failure of the underlying link.
// It is fatal to the current operation and is never retried by this package.
type ConnectivityError struct {
	Op    string // "open", "close", "poll", "read", "write"
	Cause error  // Error returned by the link
}

func (e *ConnectivityError) Error() string {
	if e == nil {
		return "connectivity error"
	}
	return fmt.Sprintf("link %s failed: %v", e.Op, e.Cause)
}

func (e *ConnectivityError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CryptoError represents an unusable cryptographic primitive or input:
// a cipher result that is not exactly one DES block, a key of the wrong
// size, or a failing random source.
type CryptoError struct {
	Step  string // Derivation or MAC step that failed
	Got   int    // Size actually produced or supplied (if applicable)
	Cause error  // Underlying error (if any)
}

func (e *CryptoError) Error() string {
	if e == nil {
		return "crypto error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("crypto %s failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("crypto %s failed (got %d bytes)", e.Step, e.Got)
}

func (e *CryptoError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IssueError describes why IssueCard stopped.
type IssueError struct {
	Result Result        // Outcome reported to the caller
	State  IssuanceState // Last state reached (not advanced by the failing step)
	Step   string        // Step that failed
	Cause  error         // Underlying error or reason
}

func (e *IssueError) Error() string {
	if e == nil {
		return "issuance error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("issuance %s at step %q (state %s): %v", e.Result, e.Step, e.State, e.Cause)
	}
	return fmt.Sprintf("issuance %s at step %q (state %s)", e.Result, e.Step, e.State)
}

func (e *IssueError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsConnectivityError checks if an error was caused by the link.
func IsConnectivityError(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}

// IsCryptoError checks if an error was caused by a cryptographic failure.
func IsCryptoError(err error) bool {
	var cryptoErr *CryptoError
	return errors.As(err, &cryptoErr)
}

// ClassifyIssueError extracts details from an IssueError.
func ClassifyIssueError(err error) (result Result, state IssuanceState, step string, ok bool) {
	var issueErr *IssueError
	if errors.As(err, &issueErr) {
		return issueErr.Result, issueErr.State, issueErr.Step, true
	}
	return ResultError, StateNotConnected, "", false
}

// statusDescription returns a human-readable description of a status flag pair.
func statusDescription(sf1, sf2 byte) string {
	switch {
	case sf1 == 0x00 && sf2 == 0x00:
		return "success"
	case sf1 == 0x01 && sf2 == 0xA8:
		return "illegal block number or access denied"
	case sf1 == 0xFF:
		return fmt.Sprintf("block list error (SF2=%02X)", sf2)
	default:
		return "unknown error"
	}
}
