package evm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABIFile reads an ABI from disk. Both a bare ABI array and a compiler
// artifact carrying an "abi" field are accepted.
func LoadABIFile(path string) (*abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi %s: %w", path, err)
	}
	a, err := ParseABI(data)
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	return a, nil
}

// ParseABI parses ABI JSON.
func ParseABI(data []byte) (*abi.ABI, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(data, &artifact); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return nil, fmt.Errorf("artifact has no abi field")
		}
		data = artifact.ABI
	}
	a, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveEvent finds an event by name. The name may be given as a bare name
// ("Ping"), as a signature ("Pong(bytes32)"), or in a different case as long
// as only one declared event matches.
func ResolveEvent(a *abi.ABI, name string) (*abi.Event, bool) {
	if a == nil || name == "" {
		return nil, false
	}
	bare := eventName(name)
	if ev, ok := a.Events[bare]; ok {
		if bare != name && ev.Sig != strings.ReplaceAll(name, " ", "") {
			return nil, false
		}
		return &ev, true
	}

	var found *abi.Event
	for _, ev := range a.Events {
		if !strings.EqualFold(ev.Name, bare) {
			continue
		}
		if found != nil {
			return nil, false
		}
		ev := ev
		found = &ev
	}
	if found == nil {
		return nil, false
	}
	return found, true
}

// EventNames lists the events declared by the ABI.
func EventNames(a *abi.ABI) []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.Events))
	for n := range a.Events {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func eventName(signature string) string {
	if i := strings.Index(signature, "("); i > 0 {
		return signature[:i]
	}
	return signature
}
