package evm

import (
	"fmt"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventDecoder filters and decodes logs of a single contract event.
type EventDecoder struct {
	address common.Address
	event   abi.Event
	indexed abi.Arguments
	data    abi.Arguments
}

// NewEventDecoder resolves eventName in the ABI and binds it to contract.
// No network activity happens here.
func NewEventDecoder(contract string, a *abi.ABI, eventName string) (*EventDecoder, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, contract)
	}
	ev, ok := ResolveEvent(a, eventName)
	if !ok {
		return nil, fmt.Errorf("%w: %q (declared: %v)", ErrEventNotFound, eventName, EventNames(a))
	}
	indexed, data := splitIndexed(ev.Inputs)
	return &EventDecoder{
		address: common.HexToAddress(contract),
		event:   *ev,
		indexed: indexed,
		data:    data,
	}, nil
}

// Address is the contract the decoder is bound to.
func (d *EventDecoder) Address() common.Address { return d.address }

// EventName is the resolved ABI event name.
func (d *EventDecoder) EventName() string { return d.event.Name }

// Query returns a log filter for the bound contract and event. Anonymous
// events carry no signature topic, so they are filtered by address only.
func (d *EventDecoder) Query() ethereum.FilterQuery {
	q := ethereum.FilterQuery{Addresses: []common.Address{d.address}}
	if !d.event.Anonymous {
		q.Topics = [][]common.Hash{{d.event.ID}}
	}
	return q
}

// Decode turns a raw log into an Occurrence.
func (d *EventDecoder) Decode(lg types.Log) (Occurrence, error) {
	if lg.Address != d.address {
		return Occurrence{}, fmt.Errorf("log from %s, want %s", lg.Address.Hex(), d.address.Hex())
	}
	topics := lg.Topics
	if !d.event.Anonymous {
		if len(topics) == 0 || topics[0] != d.event.ID {
			return Occurrence{}, fmt.Errorf("topic0 does not match %s", d.event.Sig)
		}
		topics = topics[1:]
	}

	indexedVals := map[string]any{}
	if err := abi.ParseTopicsIntoMap(indexedVals, d.indexed, topics); err != nil {
		return Occurrence{}, fmt.Errorf("parse topics: %w", err)
	}
	dataVals, err := d.data.Unpack(lg.Data)
	if err != nil {
		return Occurrence{}, fmt.Errorf("unpack data: %w", err)
	}

	args := make([]Arg, 0, len(d.event.Inputs))
	var di int
	for i, in := range d.event.Inputs {
		arg := Arg{Name: argName(in.Name, i), Type: in.Type.String()}
		if in.Indexed {
			arg.Value = indexedVals[argName(in.Name, i)]
		} else {
			arg.Value = dataVals[di]
			di++
		}
		args = append(args, arg)
	}

	return Occurrence{
		Name:        d.event.Name,
		Contract:    lg.Address.Hex(),
		Args:        args,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		TxHash:      lg.TxHash.Hex(),
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
	}, nil
}

// splitIndexed separates topic-carried arguments from data-carried ones.
// Indexed arguments are renamed argN when unnamed so they can be keyed.
func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for i, a := range args {
		if a.Indexed {
			a.Name = argName(a.Name, i)
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}

func argName(name string, pos int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("arg%d", pos)
}
