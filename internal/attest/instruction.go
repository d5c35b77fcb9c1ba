// Package attest authenticates the signed liquidation attestations that close
// a position. Attestations arrive either co-located with the close request
// or as the Ed25519 verification instruction immediately preceding it in a
// batch; both paths share the instruction layout defined here.
package attest

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/atmx/perp-engine/internal/model"
)

// Ed25519ProgramID identifies the signature-verification program in a batch.
const Ed25519ProgramID = "Ed25519SigVerify111111111111111111111111111"

// Instruction layout: a two-byte header, one offsets record, then the
// public key, signature and message back to back.
const (
	headerLen  = 2
	offsetsLen = 14

	pubkeyOffset    = headerLen + offsetsLen // 16
	signatureOffset = pubkeyOffset + ed25519.PublicKeySize
	messageOffset   = signatureOffset + ed25519.SignatureSize // 112

	// selfIndex in an offsets field means "this instruction's own data".
	selfIndex = math.MaxUint16
)

// offsets is the single signature-offsets record of an instruction.
type offsets struct {
	signatureOffset uint16
	signatureIndex  uint16
	pubkeyOffset    uint16
	pubkeyIndex     uint16
	messageOffset   uint16
	messageSize     uint16
	messageIndex    uint16
}

// Signed is a parsed verification instruction.
type Signed struct {
	Pubkey    model.Pubkey
	Signature []byte
	Message   []byte
}

// NewEd25519Instruction builds the instruction data that verifies sig over
// msg by pub.
func NewEd25519Instruction(pub model.Pubkey, sig, msg []byte) ([]byte, error) {
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", model.ErrInvalidSignature, len(sig))
	}
	if len(msg) > math.MaxUint16-messageOffset {
		return nil, fmt.Errorf("%w: message of %d bytes", model.ErrInvalidArgs, len(msg))
	}

	data := make([]byte, messageOffset+len(msg))
	data[0] = 1
	data[1] = 0
	o := offsets{
		signatureOffset: signatureOffset,
		signatureIndex:  selfIndex,
		pubkeyOffset:    pubkeyOffset,
		pubkeyIndex:     selfIndex,
		messageOffset:   messageOffset,
		messageSize:     uint16(len(msg)),
		messageIndex:    selfIndex,
	}
	o.put(data[headerLen:])
	copy(data[pubkeyOffset:], pub[:])
	copy(data[signatureOffset:], sig)
	copy(data[messageOffset:], msg)
	return data, nil
}

// ParseEd25519Instruction extracts the key, signature and message from
// instruction data. Exactly one signature is accepted and every offset must
// point into the instruction itself; anything else is
// model.ErrInvalidEd25519Instruction.
func ParseEd25519Instruction(data []byte) (Signed, error) {
	if len(data) < headerLen+offsetsLen {
		return Signed{}, fmt.Errorf("%w: %d bytes is shorter than the header", model.ErrInvalidEd25519Instruction, len(data))
	}
	if data[0] != 1 {
		return Signed{}, fmt.Errorf("%w: %d signatures, want 1", model.ErrInvalidEd25519Instruction, data[0])
	}
	o := readOffsets(data[headerLen:])
	if o.signatureIndex != selfIndex || o.pubkeyIndex != selfIndex || o.messageIndex != selfIndex {
		return Signed{}, fmt.Errorf("%w: offsets reference another instruction", model.ErrInvalidEd25519Instruction)
	}

	pub, err := slice(data, o.pubkeyOffset, ed25519.PublicKeySize, "public key")
	if err != nil {
		return Signed{}, err
	}
	sig, err := slice(data, o.signatureOffset, ed25519.SignatureSize, "signature")
	if err != nil {
		return Signed{}, err
	}
	msg, err := slice(data, o.messageOffset, int(o.messageSize), "message")
	if err != nil {
		return Signed{}, err
	}

	s := Signed{Signature: sig, Message: msg}
	copy(s.Pubkey[:], pub)
	return s, nil
}

// Verify runs signature verification over instruction data, the same check
// the verification program applies before a batch executes.
func Verify(data []byte) (Signed, error) {
	s, err := ParseEd25519Instruction(data)
	if err != nil {
		return Signed{}, err
	}
	if !ed25519.Verify(s.Pubkey[:], s.Message, s.Signature) {
		return Signed{}, fmt.Errorf("%w: verification failed for %s", model.ErrInvalidSignature, s.Pubkey)
	}
	return s, nil
}

func slice(data []byte, off uint16, n int, what string) ([]byte, error) {
	end := int(off) + n
	if end > len(data) {
		return nil, fmt.Errorf("%w: %s [%d:%d] out of bounds (%d bytes)", model.ErrInvalidEd25519Instruction, what, off, end, len(data))
	}
	return data[off:end], nil
}

func (o offsets) put(b []byte) {
	le := binary.LittleEndian
	le.PutUint16(b[0:], o.signatureOffset)
	le.PutUint16(b[2:], o.signatureIndex)
	le.PutUint16(b[4:], o.pubkeyOffset)
	le.PutUint16(b[6:], o.pubkeyIndex)
	le.PutUint16(b[8:], o.messageOffset)
	le.PutUint16(b[10:], o.messageSize)
	le.PutUint16(b[12:], o.messageIndex)
}

func readOffsets(b []byte) offsets {
	le := binary.LittleEndian
	return offsets{
		signatureOffset: le.Uint16(b[0:]),
		signatureIndex:  le.Uint16(b[2:]),
		pubkeyOffset:    le.Uint16(b[4:]),
		pubkeyIndex:     le.Uint16(b[6:]),
		messageOffset:   le.Uint16(b[8:]),
		messageSize:     le.Uint16(b[10:]),
		messageIndex:    le.Uint16(b[12:]),
	}
}
