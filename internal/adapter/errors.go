package adapter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vault-pnl/internal/types"
)

// Common error types for the vault client

var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = errors.New("invalid address format")

	// ErrInvalidBlockRange indicates an invalid block range was specified
	ErrInvalidBlockRange = errors.New("invalid block range")

	// ErrNoCode indicates no contract is deployed at the address
	ErrNoCode = errors.New("no contract code at address")

	// ErrEmptyResult indicates a contract call returned no data
	ErrEmptyResult = errors.New("contract call returned no data")

	// ErrUnknownLog indicates a log whose topic is not a vault event
	ErrUnknownLog = errors.New("unrecognized vault log")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   types.ChainID
	Op      string // Operation that failed (e.g., "FetchEvents", "PriceAt")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("vault client error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("vault client error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain types.ChainID, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// RangeError reports a block range whose logs could not be fetched even at
// the smallest chunk size. A history with a gap cannot be accounted for, so
// the whole fetch fails.
type RangeError struct {
	FromBlock uint64
	ToBlock   uint64
	Err       error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("fetching logs for blocks %d-%d: %v", e.FromBlock, e.ToBlock, e.Err)
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// IsRangeTooLargeError checks if a provider rejected eth_getLogs because the
// range or result set was too large. Such ranges are split, not retried.
func IsRangeTooLargeError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "query returned more than") ||
		strings.Contains(errStr, "block range") ||
		strings.Contains(errStr, "range is too large") ||
		strings.Contains(errStr, "response size") ||
		strings.Contains(errStr, "log response size exceeded") ||
		strings.Contains(errStr, "-32005")
}

// IsTransientError checks if an error is worth retrying against the same node
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimitError(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

// IsMissingStateError checks if a historical call failed because the node
// has pruned the state for that block
func IsMissingStateError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "header not found") ||
		strings.Contains(errStr, "state not available") ||
		strings.Contains(errStr, "historical state")
}
