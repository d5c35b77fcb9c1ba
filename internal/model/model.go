// Package model defines the core domain types shared across the position
// engine. Integer money values are fixed-point u64 in the instrument's
// 10^-decimals scale; asset quantities use shopspring/decimal.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxLeverage is the largest leverage multiplier a position may use.
const MaxLeverage uint64 = 100

// RateDenominator is the basis-point denominator for every *_numerator rate.
const RateDenominator uint64 = 10_000

// PositionType is the margining mode of a position.
type PositionType string

const (
	Isolated PositionType = "isolated"
	Cross    PositionType = "cross"
)

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d == Long || d == Short }

// Status is the lifecycle state of a position. It only moves Open → Processed.
type Status string

const (
	StatusOpen      Status = "open"
	StatusProcessed Status = "processed"
)

// PositionArgs are the caller-supplied parameters of an open (or net-off)
// request. They are never persisted.
type PositionArgs struct {
	Price               uint64       `json:"price"` // observed price, scaled by Expo
	Expo                int32        `json:"expo"`
	Decimals            uint8        `json:"decimals"`
	LeverageMargin      uint64       `json:"leverage_margin"` // collateral × leverage
	Leverage            uint64       `json:"leverage"`
	PType               PositionType `json:"ptype"`
	Direction           Direction    `json:"direction"`
	SlippageNumerator   uint64       `json:"slippage_numerator"`
	MarginRateNumerator uint64       `json:"margin_rate_numerator"`
}

// PositionKey identifies a position: one slot per owner and index.
type PositionKey struct {
	Owner Pubkey `json:"owner"`
	Index uint32 `json:"index"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%d", k.Owner, k.Index)
}

// Position is the persistent record of an open leveraged position.
type Position struct {
	Pool                  Pubkey          `json:"pool"`
	Owner                 Pubkey          `json:"owner"`
	Authority             Pubkey          `json:"authority"` // attestation signer allowed to close
	Index                 uint32          `json:"index"`
	Status                Status          `json:"status"`
	PType                 PositionType    `json:"ptype"`
	Direction             Direction       `json:"direction"`
	Decimals              uint8           `json:"decimals"`
	FeedA                 string          `json:"feed_a"`
	FeedB                 string          `json:"feed_b"`
	Leverage              uint64          `json:"leverage"`
	LastPrice             uint64          `json:"last_price"` // execution price at entry
	LastConf              uint64          `json:"last_conf"`
	Margin                uint64          `json:"margin"`
	MarginRateNumerator   uint64          `json:"margin_rate_numerator"`
	OvernightFeeNumerator uint64          `json:"overnight_fee_numerator"`
	Liquidation           uint64          `json:"liquidation"`
	CreatedAt             int64           `json:"created_at"` // unix seconds
	Slot                  uint64          `json:"slot"`
	Amount                decimal.Decimal `json:"amount"` // asset quantity, serialized as text
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Key returns the identity of p.
func (p *Position) Key() PositionKey {
	return PositionKey{Owner: p.Owner, Index: p.Index}
}

// Settlement is the immutable record of a closed position.
// Once created, it is never modified or deleted.
type Settlement struct {
	ID            string    `json:"id"`
	Owner         Pubkey    `json:"owner"`
	Index         uint32    `json:"index"`
	Pool          Pubkey    `json:"pool"`
	Direction     Direction `json:"direction"`
	Outcome       string    `json:"outcome"` // "liquidated", "loss", "gain"
	EntryPrice    uint64    `json:"entry_price"`
	ExitPrice     uint64    `json:"exit_price"`
	OvernightFee  uint64    `json:"overnight_fee"`
	Amount        uint64    `json:"amount"` // margin owed back to the owner
	AttestedPrice uint64    `json:"attested_price"`
	AttestedTime  int64     `json:"attested_time"`
	AttestedSlot  uint64    `json:"attested_slot"`
	ClosedAt      time.Time `json:"closed_at"`
}

// Settlement outcomes.
const (
	OutcomeLiquidated = "liquidated"
	OutcomeLoss       = "loss"
	OutcomeGain       = "gain"
)
