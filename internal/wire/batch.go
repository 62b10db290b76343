// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package wire

import (
	"errors"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidBatchDigest is returned when a batch's contents don't hash to
// its claimed digest.
var ErrInvalidBatchDigest = errors.New("wire: invalid batch digest")

// Batch groups raw transactions disseminated together by one author (spec
// §3 "Batch", §4.4 "Batch formation").
type Batch struct {
	Digest         []byte   `codec:"digest"`
	Author         []byte   `codec:"author"`
	ExpirationRound uint64  `codec:"expiration_round"`
	Transactions   [][]byte `codec:"txns"`
}

// ComputeDigest hashes the batch's author, expiration and transactions.
func (b *Batch) ComputeDigest() []byte {
	h := sha3.New256()
	h.Write(b.Author)
	h.Write(uint64ToBytes(b.ExpirationRound))
	for _, tx := range b.Transactions {
		h.Write(tx)
	}
	return h.Sum(nil)
}

// Validate checks the batch's digest matches its contents.
func (b *Batch) Validate() error {
	if string(b.ComputeDigest()) != string(b.Digest) {
		return ErrInvalidBatchDigest
	}
	return nil
}

// SizeBytes approximates the batch's wire size for quota accounting.
func (b *Batch) SizeBytes() int {
	n := len(b.Digest) + len(b.Author) + 8
	for _, tx := range b.Transactions {
		n += len(tx)
	}
	return n
}

// Marshal encodes the batch.
func (b *Batch) Marshal() ([]byte, error) { return Marshal(b) }

// UnmarshalBatch decodes a batch from bytes.
func UnmarshalBatch(data []byte) (*Batch, error) {
	b := new(Batch)
	if err := Unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

// BatchReceipt is one validator's signed acknowledgement that it holds its
// erasure-coded shard of a batch (spec §4.4 "Dissemination"). The shard is
// kept in memory; receiving it does not write it to storagedb.
type BatchReceipt struct {
	BatchDigest []byte              `codec:"batch_digest"`
	Signature   IndividualSignature `codec:"signature"`
}

// ProofOfAvailability is a 2f+1 quorum of receipts attesting a batch has
// been stored by enough validators (spec §3 "Payload", glossary "PoAv").
type ProofOfAvailability struct {
	BatchDigest     []byte                `codec:"batch_digest"`
	Author          []byte                `codec:"author"`
	ExpirationRound uint64                `codec:"expiration_round"`
	Signatures      []IndividualSignature `codec:"signatures"`
}

// Validate checks the PoAv carries a 2f+1-weighted quorum of distinct,
// valid validator signatures over the batch digest (spec §8 "PoAv
// soundness").
func (p *ProofOfAvailability) Validate(vs ValidatorStore) error {
	if len(p.Signatures) < vs.MajorityCount() {
		return ErrNotEnoughSig
	}
	seen := make(map[string]struct{}, len(p.Signatures))
	for _, s := range p.Signatures {
		sig, err := crypto.NewSignature(s.Value, s.Signer)
		if err != nil {
			return err
		}
		key := sig.PublicKey().String()
		if _, dup := seen[key]; dup {
			return ErrDuplicateSig
		}
		seen[key] = struct{}{}
		if !vs.IsValidator(sig.PublicKey()) {
			return ErrNotValidator
		}
		if !sig.Verify(p.BatchDigest) {
			return ErrInvalidSig
		}
	}
	return nil
}

// Marshal encodes the proof of availability.
func (p *ProofOfAvailability) Marshal() ([]byte, error) { return Marshal(p) }

// UnmarshalProofOfAvailability decodes a PoAv from bytes.
func UnmarshalProofOfAvailability(data []byte) (*ProofOfAvailability, error) {
	p := new(ProofOfAvailability)
	if err := Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}
