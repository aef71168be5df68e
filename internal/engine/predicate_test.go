package engine

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCompilePredicates_NumericComparisons(t *testing.T) {
	preds, err := CompilePredicates([]string{"value > 10", "value < 20"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	args := map[string]any{"value": 15}
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if !ok {
			t.Fatalf("expected predicate to pass")
		}
	}
}

func TestCompilePredicates_InAndContains(t *testing.T) {
	preds, err := CompilePredicates([]string{"sender in a,b,c", "memo contains alert"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	args := map[string]any{"sender": "b", "memo": "critical alert raised"}
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if !ok {
			t.Fatalf("expected predicate to pass")
		}
	}
}

func TestCompilePredicates_StringEquality(t *testing.T) {
	preds, err := CompilePredicates([]string{"status == ok"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	args := map[string]any{"status": "ok"}
	ok, err := preds[0](args)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}
}

func TestCompilePredicates_BigIntUnits(t *testing.T) {
	preds, err := CompilePredicates([]string{"value >= ether(1)", "value < 2 * 1e18"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	oneAndHalf := new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17))
	args := map[string]any{"value": oneAndHalf}
	for _, p := range preds {
		if ok, err := p(args); err != nil || !ok {
			t.Fatalf("expected pass for 1.5 ether, got %v err=%v", ok, err)
		}
	}
	if ok, _ := preds[0](map[string]any{"value": big.NewInt(1)}); ok {
		t.Fatalf("1 wei should not satisfy >= ether(1)")
	}
}

func TestCompilePredicates_AddressCaseInsensitive(t *testing.T) {
	addr := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	preds, err := CompilePredicates([]string{
		"from == 0x5fbdb2315678afecb367f032d93f642f64180aa3",
		"from in 0x0000000000000000000000000000000000000001,0x5FBDB2315678AFECB367F032D93F642F64180AA3",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i, p := range preds {
		if ok, err := p(map[string]any{"from": addr}); err != nil || !ok {
			t.Fatalf("predicate %d: expected match, got %v err=%v", i, ok, err)
		}
	}
}

func TestCompilePredicates_MissingFieldFails(t *testing.T) {
	preds, err := CompilePredicates([]string{"value > 1"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if ok, _ := preds[0](map[string]any{}); ok {
		t.Fatalf("missing field should not match")
	}
}

func TestCompilePredicates_Unsupported(t *testing.T) {
	if _, err := CompilePredicates([]string{"value ~ 3"}); err == nil {
		t.Fatalf("expected error for unsupported operator")
	}
}
