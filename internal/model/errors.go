package model

import "errors"

// Error kinds. All of them abort the enclosing operation and are not
// retryable; callers match them with errors.Is.
var (
	ErrInvalidPrice              = errors.New("invalid price")
	ErrInvalidPriceAccount       = errors.New("invalid price account")
	ErrSlippageReached           = errors.New("slippage reached")
	ErrInsufficientBalance       = errors.New("insufficient balance") // reserved
	ErrInvalidLeverage           = errors.New("invalid leverage")
	ErrPositionLiquidated        = errors.New("position liquidated")
	ErrInvalidArgs               = errors.New("invalid args")
	ErrInvalidSignature          = errors.New("invalid signature")
	ErrInstructionAtWrongIndex   = errors.New("instruction at wrong index")
	ErrInvalidAccountData        = errors.New("invalid account data")
	ErrInvalidEd25519Instruction = errors.New("invalid ed25519 instruction")
	ErrInvalidAuthority          = errors.New("invalid authority")
	ErrPositionNotFound          = errors.New("position not found")
	ErrPositionExists            = errors.New("position already exists")
	ErrNotOwner                  = errors.New("caller does not own position")
	ErrPositionClosed            = errors.New("position already processed")
	ErrPositionConflict          = errors.New("position changed concurrently")
	ErrNotImplemented            = errors.New("not implemented")
)

var kinds = []struct {
	err  error
	name string
}{
	// Structural attestation faults come before ErrInvalidSignature so a
	// wrapped cause reports its precise kind.
	{ErrInstructionAtWrongIndex, "instruction_at_wrong_index"},
	{ErrInvalidAccountData, "invalid_account_data"},
	{ErrInvalidEd25519Instruction, "invalid_ed25519_instruction"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrInvalidAuthority, "invalid_authority"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrInvalidPriceAccount, "invalid_price_account"},
	{ErrSlippageReached, "slippage_reached"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInvalidLeverage, "invalid_leverage"},
	{ErrPositionLiquidated, "position_liquidated"},
	{ErrInvalidArgs, "invalid_args"},
	{ErrPositionNotFound, "position_not_found"},
	{ErrPositionExists, "position_exists"},
	{ErrNotOwner, "not_owner"},
	{ErrPositionClosed, "position_closed"},
	{ErrPositionConflict, "position_conflict"},
	{ErrNotImplemented, "not_implemented"},
}

// Kind returns a stable label for err, suitable for metrics and logs.
// Unknown errors are reported as "internal".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
