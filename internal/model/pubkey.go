package model

import (
	"encoding/hex"
	"fmt"
)

// PubkeyLen is the size of an Ed25519 public key.
const PubkeyLen = 32

// Pubkey is a 32-byte identity (owner, pool or attestation authority).
// Its text form is lowercase hex.
type Pubkey [PubkeyLen]byte

// ParsePubkey decodes a hex-encoded public key.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("%w: pubkey: %v", ErrInvalidArgs, err)
	}
	if len(b) != PubkeyLen {
		return pk, fmt.Errorf("%w: pubkey must be %d bytes, got %d", ErrInvalidArgs, PubkeyLen, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// PubkeyFromBytes copies b into a Pubkey.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var pk Pubkey
	if len(b) != PubkeyLen {
		return pk, fmt.Errorf("%w: pubkey must be %d bytes, got %d", ErrInvalidArgs, PubkeyLen, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (p Pubkey) String() string { return hex.EncodeToString(p[:]) }

// IsZero reports whether p is unset.
func (p Pubkey) IsZero() bool { return p == Pubkey{} }

func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pubkey) UnmarshalText(text []byte) error {
	pk, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}
