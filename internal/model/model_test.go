package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLiquidatedData_Encoding(t *testing.T) {
	d := LiquidatedData{IsLiquidated: true, Price: 20_300_000_500, Time: 1_700_000_001, Slot: 42}
	b, err := d.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != LiquidatedDataLen {
		t.Fatalf("expected %d bytes, got %d", LiquidatedDataLen, len(b))
	}
	if b[0] != 1 || b[1] != 0xf4 || b[24] != 0 {
		t.Errorf("unexpected layout: % x", b)
	}

	var got LiquidatedData
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != d {
		t.Errorf("got %+v, want %+v", got, d)
	}
}

func TestLiquidatedData_RejectsMalformed(t *testing.T) {
	valid, _ := LiquidatedData{Price: 1}.MarshalBinary()

	tests := []struct {
		name string
		b    []byte
	}{
		{"short", valid[:24]},
		{"trailing", append(append([]byte{}, valid...), 0)},
		{"bad bool", append([]byte{2}, valid[1:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d LiquidatedData
			if err := d.UnmarshalBinary(tt.b); !errors.Is(err, ErrInvalidAccountData) {
				t.Errorf("expected ErrInvalidAccountData, got %v", err)
			}
		})
	}
}

func TestPubkey_TextRoundTrip(t *testing.T) {
	var pk Pubkey
	for i := range pk {
		pk[i] = byte(i)
	}
	text, _ := pk.MarshalText()

	var back Pubkey
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != pk {
		t.Errorf("round trip mismatch: %s vs %s", back, pk)
	}

	if _, err := ParsePubkey("abcd"); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("expected ErrInvalidArgs for short key, got %v", err)
	}
	if _, err := ParsePubkey("zz"); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("expected ErrInvalidArgs for non-hex key, got %v", err)
	}
}

func TestPosition_AmountSerializedAsText(t *testing.T) {
	p := Position{Amount: decimal.RequireFromString("33.333332777777785185")}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	json.Unmarshal(b, &raw)
	if s, ok := raw["amount"].(string); !ok || s != "33.333332777777785185" {
		t.Errorf("amount should be a JSON string, got %#v", raw["amount"])
	}
}

func TestKind(t *testing.T) {
	wrapped := fmt.Errorf("%w: %w", ErrInvalidSignature, ErrInstructionAtWrongIndex)
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrSlippageReached, "slippage_reached"},
		{fmt.Errorf("%w: leverage 0", ErrInvalidLeverage), "invalid_leverage"},
		{wrapped, "instruction_at_wrong_index"},
		{ErrInvalidSignature, "invalid_signature"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
