package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means no endpoint produced an answer.
	ErrUnavailable = errors.New("rpc unavailable")
	// ErrInvalidNonce matches any rejection caused by a stale or reused nonce.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrAccessKeyNotFound is returned when the queried key is not on chain.
	ErrAccessKeyNotFound = errors.New("access key not found")
	// ErrTxFailed wraps a transaction that executed with a Failure status.
	ErrTxFailed = errors.New("transaction failed")
)

// Cause names that describe the node rather than the request. These trigger
// failover; any other error object is a definitive answer.
var endpointCauses = map[string]struct{}{
	"INTERNAL_ERROR":    {},
	"TIMEOUT_ERROR":     {},
	"NO_SYNCED_BLOCKS":  {},
	"UNAVAILABLE_SHARD": {},
}

const (
	causeUnknownTransaction = "UNKNOWN_TRANSACTION"
	causeUnknownAccessKey   = "UNKNOWN_ACCESS_KEY"
)

// Error is a JSON-RPC error object.
type Error struct {
	Name    string          `json:"name,omitempty"`
	Cause   *ErrorCause     `json:"cause,omitempty"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ErrorCause struct {
	Name string          `json:"name"`
	Info json.RawMessage `json:"info,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("rpc error")
	if name := e.CauseName(); name != "" {
		b.WriteString(" ")
		b.WriteString(name)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if len(e.Data) > 0 && !bytes.Equal(e.Data, []byte("null")) {
		fmt.Fprintf(&b, " (%s)", e.Data)
	}
	return b.String()
}

func (e *Error) CauseName() string {
	if e.Cause != nil {
		return e.Cause.Name
	}
	return ""
}

// Is lets errors.Is(err, ErrInvalidNonce) see through the error object.
func (e *Error) Is(target error) bool {
	return target == ErrInvalidNonce && e.mentionsInvalidNonce()
}

func (e *Error) mentionsInvalidNonce() bool {
	const marker = "InvalidNonce"
	if e.Cause != nil && bytes.Contains(e.Cause.Info, []byte(marker)) {
		return true
	}
	return bytes.Contains(e.Data, []byte(marker)) || strings.Contains(e.Message, marker)
}

func (e *Error) endpointLevel() bool {
	_, ok := endpointCauses[e.CauseName()]
	return ok
}

// IsInvalidNonce recognizes nonce conflicts from structured errors or from
// messages that only carry the text.
func IsInvalidNonce(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidNonce) || strings.Contains(err.Error(), "InvalidNonce")
}

// endpointError is a failure of the node itself.
type endpointError struct {
	endpoint string
	err      error
}

func (e *endpointError) Error() string { return e.endpoint + ": " + e.err.Error() }
func (e *endpointError) Unwrap() error { return e.err }
