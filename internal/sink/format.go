package sink

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/devblac/event-watcher/internal/source/evm"
)

// FormatValue renders a decoded ABI value for humans: hashes, byte arrays
// and addresses as 0x hex, integers in base 10.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case [32]byte:
		return hexutil.Encode(x[:])
	case []byte:
		return hexutil.Encode(x)
	case *big.Int:
		if x == nil {
			return "0"
		}
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// FromOccurrence converts a decoded occurrence into the sink payload.
func FromOccurrence(watcherID string, occ evm.Occurrence) EventPayload {
	args := make([]Arg, 0, len(occ.Args))
	for _, a := range occ.Args {
		args = append(args, Arg{Name: a.Name, Type: a.Type, Value: FormatValue(a.Value)})
	}
	return EventPayload{
		WatcherID: watcherID,
		Chain:     evm.Chain,
		Event:     occ.Name,
		Contract:  occ.Contract,
		Height:    occ.BlockNumber,
		Hash:      occ.BlockHash,
		TxHash:    occ.TxHash,
		LogIndex:  occ.LogIndex,
		Args:      args,
		Values:    occ.ArgMap(),
	}
}
