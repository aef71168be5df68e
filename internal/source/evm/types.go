package evm

import (
	"errors"
)

// Chain is the identifier for EVM chains.
const Chain = "evm"

var (
	// ErrEventNotFound signals that the requested event is not declared in the ABI.
	ErrEventNotFound = errors.New("event not declared in abi")
	// ErrInvalidAddress signals a contract address that is not 20-byte hex.
	ErrInvalidAddress = errors.New("invalid contract address")
)

// Arg is one decoded event argument.
type Arg struct {
	Name  string
	Type  string
	Value any
}

// Occurrence is one decoded emission of a watched event. Args keep the
// ABI declaration order.
type Occurrence struct {
	Name        string
	Contract    string
	Args        []Arg
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	TxIndex     uint
	LogIndex    uint
}

// ArgMap returns the decoded arguments keyed by name. Unnamed arguments are
// keyed argN by position.
func (o Occurrence) ArgMap() map[string]any {
	out := make(map[string]any, len(o.Args))
	for _, a := range o.Args {
		out[a.Name] = a.Value
	}
	return out
}
