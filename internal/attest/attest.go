package attest

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/model"
)

// Attestation is a co-located signed message: the signer's key, the
// signature and the encoded LiquidatedData it covers.
type Attestation struct {
	Pubkey    model.Pubkey `json:"pubkey"`
	Signature []byte       `json:"signature"`
	Message   []byte       `json:"message"`
}

// Instruction is one entry of a batch submitted together with a close.
type Instruction struct {
	ProgramID string `json:"program_id"`
	Data      []byte `json:"data"`
}

// Batch is an ordered instruction list and the index of the instruction
// currently executing.
type Batch struct {
	Instructions []Instruction `json:"instructions"`
	Current      int           `json:"current"`
}

// Authenticate verifies a co-located attestation and decodes its message.
func Authenticate(a Attestation) (model.AuthenticatedData, error) {
	data, err := NewEd25519Instruction(a.Pubkey, a.Signature, a.Message)
	if err != nil {
		return model.AuthenticatedData{}, err
	}
	s, err := Verify(data)
	if err != nil {
		return model.AuthenticatedData{}, err
	}
	return decode(s)
}

// Introspect authenticates the attestation carried by the verification
// instruction immediately before b.Current.
func Introspect(b Batch) (model.AuthenticatedData, error) {
	if b.Current == 0 {
		return model.AuthenticatedData{}, fmt.Errorf("%w: close cannot be the first instruction", model.ErrInstructionAtWrongIndex)
	}
	if b.Current < 0 || b.Current >= len(b.Instructions) {
		return model.AuthenticatedData{}, fmt.Errorf("%w: current index %d outside batch of %d", model.ErrInvalidAccountData, b.Current, len(b.Instructions))
	}
	prev := b.Current - 1

	ix := b.Instructions[prev]
	if ix.ProgramID != Ed25519ProgramID {
		return model.AuthenticatedData{}, fmt.Errorf("%w: instruction %d targets %q", model.ErrInvalidEd25519Instruction, prev, ix.ProgramID)
	}
	s, err := Verify(ix.Data)
	if err != nil {
		return model.AuthenticatedData{}, err
	}
	return decode(s)
}

func decode(s Signed) (model.AuthenticatedData, error) {
	var d model.LiquidatedData
	if err := d.UnmarshalBinary(s.Message); err != nil {
		return model.AuthenticatedData{}, err
	}
	return model.AuthenticatedData{Data: d, Authority: s.Pubkey}, nil
}

// AsInvalidSignature reports any authentication failure as
// model.ErrInvalidSignature while keeping the structural cause matchable.
func AsInvalidSignature(err error) error {
	if err == nil || errors.Is(err, model.ErrInvalidSignature) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrInvalidSignature, err)
}
