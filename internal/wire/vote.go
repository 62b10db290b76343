// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package wire

import (
	"errors"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
)

// ErrNilVote is returned when validating a vote with no signature data.
var ErrNilVote = errors.New("wire: nil vote")

// Vote carries a single validator's vote for a block, and optionally a
// pre-signed timeout for the same round (spec §3 "Vote").
type Vote struct {
	Voter          []byte               `codec:"voter"`
	VoteData       VoteData             `codec:"vote_data"`
	LedgerInfoSig  IndividualSignature  `codec:"ledger_info_sig"`
	TimeoutSig     *IndividualSignature `codec:"timeout_sig,omitempty"`
}

// BlockHash returns the hash of the voted-for block.
func (v *Vote) BlockHash() []byte { return v.VoteData.ProposedBlockID }

// Validate checks the vote's signature is valid and from a validator.
func (v *Vote) Validate(vs ValidatorStore) error {
	if v == nil {
		return ErrNilVote
	}
	sig, err := crypto.NewSignature(v.LedgerInfoSig.Value, v.LedgerInfoSig.Signer)
	if err != nil {
		return err
	}
	if !vs.IsValidator(sig.PublicKey()) {
		return ErrNotValidator
	}
	if !sig.Verify(v.VoteData.ProposedBlockID) {
		return ErrInvalidSig
	}
	return nil
}

// Marshal encodes the vote.
func (v *Vote) Marshal() ([]byte, error) { return Marshal(v) }

// UnmarshalVote decodes a vote from bytes.
func UnmarshalVote(data []byte) (*Vote, error) {
	v := new(Vote)
	if err := Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// SyncInfo is attached to every consensus message and summarizes the
// sender's current position, the universal trigger for Block Sync (spec §3
// "SyncInfo", §4.8).
type SyncInfo struct {
	HighestQC       *QC `codec:"highest_qc"`
	HighestCommitQC *QC `codec:"highest_commit_qc"`
	HighestTC       *TC `codec:"highest_tc,omitempty"`
}

// Marshal encodes the sync info.
func (si *SyncInfo) Marshal() ([]byte, error) { return Marshal(si) }

// UnmarshalSyncInfo decodes a SyncInfo from bytes.
func UnmarshalSyncInfo(data []byte) (*SyncInfo, error) {
	si := new(SyncInfo)
	if err := Unmarshal(data, si); err != nil {
		return nil, err
	}
	return si, nil
}
