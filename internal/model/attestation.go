package model

import (
	"encoding/binary"
	"fmt"
)

// LiquidatedDataLen is the encoded size of LiquidatedData.
const LiquidatedDataLen = 1 + 8 + 8 + 8

// LiquidatedData is the closure event asserted by the off-chain authority:
// either "liquidated at Price" or "close now at Price", at Time/Slot.
type LiquidatedData struct {
	IsLiquidated bool   `json:"is_liquidated"`
	Price        uint64 `json:"price"`
	Time         int64  `json:"time"` // unix seconds
	Slot         uint64 `json:"slot"`
}

// MarshalBinary encodes d as bool byte, then u64, i64, u64 little-endian.
func (d LiquidatedData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, LiquidatedDataLen)
	if d.IsLiquidated {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], d.Price)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(d.Time))
	binary.LittleEndian.PutUint64(buf[17:25], d.Slot)
	return buf, nil
}

// UnmarshalBinary decodes exactly LiquidatedDataLen bytes. Trailing bytes
// and bool bytes other than 0 or 1 are rejected.
func (d *LiquidatedData) UnmarshalBinary(b []byte) error {
	if len(b) != LiquidatedDataLen {
		return fmt.Errorf("%w: liquidated data must be %d bytes, got %d",
			ErrInvalidAccountData, LiquidatedDataLen, len(b))
	}
	switch b[0] {
	case 0:
		d.IsLiquidated = false
	case 1:
		d.IsLiquidated = true
	default:
		return fmt.Errorf("%w: invalid bool byte %d", ErrInvalidAccountData, b[0])
	}
	d.Price = binary.LittleEndian.Uint64(b[1:9])
	d.Time = int64(binary.LittleEndian.Uint64(b[9:17]))
	d.Slot = binary.LittleEndian.Uint64(b[17:25])
	return nil
}

// AuthenticatedData is an attestation whose signature has been verified.
// Only the attest package constructs it.
type AuthenticatedData struct {
	Data      LiquidatedData
	Authority Pubkey
}
