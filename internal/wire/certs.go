// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package wire

import (
	"errors"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
)

// sentinel errors
var (
	ErrNilQC        = errors.New("wire: nil qc")
	ErrNotEnoughSig = errors.New("wire: not enough signatures in certificate")
	ErrDuplicateSig = errors.New("wire: duplicate signature in certificate")
	ErrInvalidSig   = errors.New("wire: invalid signature")
	ErrNotValidator = errors.New("wire: signer is not a validator")
)

// BlockInfo identifies one block for use inside vote/commit data, avoiding
// a full Block copy inside certificates (spec §3 "vote_data").
type BlockInfo struct {
	ID    []byte `codec:"id"`
	Round uint64 `codec:"round"`
	Epoch uint64 `codec:"epoch"`
}

// VoteData pairs the proposed block with its parent, the unit a QC
// certifies (spec §3 "QuorumCertificate").
type VoteData struct {
	ProposedBlockID    []byte    `codec:"proposed_id"`
	ProposedBlockInfo  BlockInfo `codec:"proposed_info"`
	ParentBlockID      []byte    `codec:"parent_id"`
	ParentBlockInfo    BlockInfo `codec:"parent_info"`
}

// LedgerInfo carries the agreed execution-result commitment once a round
// has reached post-consensus agreement (spec §3 "LedgerInfo"). It is filled
// in by the Pipeline Coordinator's attestation quorum (spec §4.5) and then
// embedded back into the block's QC.
type LedgerInfo struct {
	BlockID               []byte `codec:"block_id"`
	Round                 uint64 `codec:"round"`
	ExecutionResultDigest []byte `codec:"exec_digest"`
	// GroupSignature is the aggregated threshold signature recovered from
	// 2f+1 validator attestations (see internal/crypto.ThresholdScheme).
	GroupSignature []byte `codec:"group_sig,omitempty"`
}

// IndividualSignature is one signer's raw signature over a message, used
// for QC/TC/PoAv quorums that are not threshold-aggregated.
type IndividualSignature struct {
	Signer []byte `codec:"signer"`
	Value  []byte `codec:"value"`
}

func toCryptoSig(s IndividualSignature) (*crypto.Signature, error) {
	return crypto.NewSignature(s.Value, s.Signer)
}

// QC is a QuorumCertificate (spec §3).
type QC struct {
	VoteData   VoteData              `codec:"vote_data"`
	LedgerInfo *LedgerInfo           `codec:"ledger_info,omitempty"`
	Signatures []IndividualSignature `codec:"signatures"`
}

// BlockHash returns the hash of the block this QC certifies.
func (qc *QC) BlockHash() []byte { return qc.VoteData.ProposedBlockID }

// Round returns the round of the block this QC certifies.
func (qc *QC) Round() uint64 { return qc.VoteData.ProposedBlockInfo.Round }

// Validate checks that qc carries a 2f+1-weighted quorum of distinct,
// valid validator signatures over the proposed block id (spec §3).
func (qc *QC) Validate(vs ValidatorStore) error {
	if qc == nil {
		return ErrNilQC
	}
	if len(qc.Signatures) < vs.MajorityCount() {
		return ErrNotEnoughSig
	}
	seen := make(map[string]struct{}, len(qc.Signatures))
	for _, s := range qc.Signatures {
		sig, err := toCryptoSig(s)
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
		if !sig.Verify(qc.VoteData.ProposedBlockID) {
			return ErrInvalidSig
		}
	}
	return nil
}

// Marshal encodes the QC.
func (qc *QC) Marshal() ([]byte, error) { return Marshal(qc) }

// UnmarshalQC decodes a QC from bytes.
func UnmarshalQC(data []byte) (*QC, error) {
	qc := new(QC)
	if err := Unmarshal(data, qc); err != nil {
		return nil, err
	}
	return qc, nil
}

// TC is a TimeoutCertificate: 2f+1 validators certifying "no progress at
// round R" (spec §3 "TimeoutCertificate").
type TC struct {
	Round      uint64                `codec:"round"`
	Epoch      uint64                `codec:"epoch"`
	Signatures []IndividualSignature `codec:"signatures"`
	// HighestQCRoundPerSigner lets the next leader pick the highest QC any
	// contributing signer had seen, so it can safely extend past the
	// timed-out round even without a parent QC for R.
	HighestQCRoundPerSigner map[string]uint64 `codec:"highest_qc_round,omitempty"`
}

// Validate checks tc carries a 2f+1-weighted quorum of distinct, valid
// validator signatures over the timeout message for (round, epoch).
func (tc *TC) Validate(vs ValidatorStore) error {
	if tc == nil {
		return ErrNilQC
	}
	if len(tc.Signatures) < vs.MajorityCount() {
		return ErrNotEnoughSig
	}
	msg := timeoutSignBytes(tc.Round, tc.Epoch)
	seen := make(map[string]struct{}, len(tc.Signatures))
	for _, s := range tc.Signatures {
		sig, err := toCryptoSig(s)
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
		if !sig.Verify(msg) {
			return ErrInvalidSig
		}
	}
	return nil
}

func timeoutSignBytes(round, epoch uint64) []byte {
	return append(uint64ToBytes(round), uint64ToBytes(epoch)...)
}

// TimeoutSignBytes exposes the canonical bytes a validator signs when
// casting a timeout vote for (round, epoch).
func TimeoutSignBytes(round, epoch uint64) []byte { return timeoutSignBytes(round, epoch) }

// Marshal encodes the TC.
func (tc *TC) Marshal() ([]byte, error) { return Marshal(tc) }

// UnmarshalTC decodes a TC from bytes.
func UnmarshalTC(data []byte) (*TC, error) {
	tc := new(TC)
	if err := Unmarshal(data, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// ValidatorStore is the minimal view wire-level validation needs.
type ValidatorStore interface {
	IsValidator(pubKey *crypto.PublicKey) bool
	MajorityCount() int
}
