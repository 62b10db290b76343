// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package wire holds the consensus data model (spec §3): blocks, payloads,
// batches, proofs of availability, quorum/timeout certificates, votes and
// sync probes, plus their msgpack encoding. juria's core package encodes
// these as protobuf; this module substitutes hashicorp/go-msgpack because
// no protoc toolchain is available to generate the .pb.go sources (see
// DESIGN.md).
package wire

import (
	"bytes"
	"errors"

	"github.com/hashicorp/go-msgpack/codec"
	"golang.org/x/crypto/sha3"
)

// sentinel errors
var (
	ErrInvalidBlockHash = errors.New("wire: invalid block hash")
	ErrNilBlock         = errors.New("wire: nil block")
)

func mh() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = false
	return h
}

// Marshal encodes v with the shared msgpack handle.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mh())
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes b with the shared msgpack handle.
func Unmarshal(b []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(b), mh())
	return dec.Decode(v)
}

// PayloadKind distinguishes a direct transaction payload from an
// availability-proof payload (spec §3 "Payload").
type PayloadKind uint8

const (
	// PayloadTxns carries a direct list of transactions.
	PayloadTxns PayloadKind = iota
	// PayloadPoAv carries a set of proofs of availability referencing
	// batches held in the Quorum Store.
	PayloadPoAv
	// PayloadNil marks a NIL block: no payload, timestamp advance only.
	PayloadNil
)

// Payload is the body of a Block.
type Payload struct {
	Kind         PayloadKind
	Transactions [][]byte              `codec:"txns,omitempty"`
	Proofs       []ProofOfAvailability `codec:"poavs,omitempty"`
}

// IsNil reports whether this is a NIL-round payload.
func (p Payload) IsNil() bool { return p.Kind == PayloadNil }

// Block is the consensus unit of order (spec §3 "Block").
type Block struct {
	ID         []byte  `codec:"id"`
	Round      uint64  `codec:"round"`
	Epoch      uint64  `codec:"epoch"`
	ParentID   []byte  `codec:"parent_id"`
	ParentQC   *QC     `codec:"parent_qc"`
	Payload    Payload `codec:"payload"`
	Author     []byte  `codec:"author"`
	Timestamp  int64   `codec:"timestamp"`
	// Randomness is the opaque per-block DKG output the execution layer
	// attaches; the consensus core neither produces nor interprets it
	// (spec §9 "Randomness/DKG interaction").
	Randomness []byte `codec:"randomness,omitempty"`

	// AuthorSig signs Sum(); absent on a block not yet signed (e.g. while
	// under construction by the leader).
	AuthorSig []byte `codec:"author_sig,omitempty"`
}

// Sum returns the collision-resistant hash that ID commits to: Round, Epoch,
// ParentID, the certified block id of ParentQC, Author, Timestamp, the
// payload kind, its transactions and its proof digests. ID, AuthorSig,
// Randomness and the rest of ParentQC are not hashed.
func (b *Block) Sum() []byte {
	h := sha3.New256()
	h.Write(uint64ToBytes(b.Round))
	h.Write(uint64ToBytes(b.Epoch))
	h.Write(b.ParentID)
	if b.ParentQC != nil {
		h.Write(b.ParentQC.VoteData.ProposedBlockID)
	}
	h.Write(b.Author)
	h.Write(int64ToBytes(b.Timestamp))
	h.Write([]byte{byte(b.Payload.Kind)})
	for _, tx := range b.Payload.Transactions {
		h.Write(tx)
	}
	for _, p := range b.Payload.Proofs {
		h.Write(p.BatchDigest)
	}
	return h.Sum(nil)
}

// IsNil reports whether the block is a NIL block for a skipped round.
func (b *Block) IsNil() bool { return b.Payload.IsNil() }

// Marshal encodes the block.
func (b *Block) Marshal() ([]byte, error) { return Marshal(b) }

// UnmarshalBlock decodes a block from bytes.
func UnmarshalBlock(data []byte) (*Block, error) {
	b := new(Block)
	if err := Unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

func uint64ToBytes(i uint64) []byte {
	b := make([]byte, 8)
	for idx := 0; idx < 8; idx++ {
		b[7-idx] = byte(i >> (8 * idx))
	}
	return b
}

func int64ToBytes(i int64) []byte {
	return uint64ToBytes(uint64(i))
}
