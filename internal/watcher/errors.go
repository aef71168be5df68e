package watcher

import (
	"fmt"
)

// ConfigurationError is fatal and raised before any network activity.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectionError covers dial, subscribe and transport loss. The watcher
// retries with backoff.
type ConnectionError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError marks a log that could not be decoded against the event schema.
// The log is skipped.
type DecodeError struct {
	Block    uint64
	TxHash   string
	LogIndex uint
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %d/%d (tx %s): %v", e.Block, e.LogIndex, e.TxHash, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HandlerError wraps a handler failure or panic for one occurrence.
type HandlerError struct {
	Block    uint64
	TxHash   string
	LogIndex uint
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %d/%d (tx %s): %v", e.Block, e.LogIndex, e.TxHash, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
