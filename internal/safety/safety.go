// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package safety implements Safety Rules (spec §4.2): the stateful oracle
// that produces votes, proposals and timeouts while enforcing BFT safety
// across process restarts. Generalizes the vote-admission checks juria's
// hotstuff.state keeps in memory (hotstuff/state.go) into a durable oracle
// whose state survives a crash, following the crash-consistent
// write-then-sign ordering of juria's hs_driver.Commit and the API shape of
// other_examples/onflow-flow-go__safety_rules.go (ProduceVote/ProduceTimeout
// returning sentinel "no vote" errors rather than panicking).
package safety

import (
	"errors"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/storagedb"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// sentinel errors (spec §4.2)
var (
	ErrIncorrectEpoch               = errors.New("safety: incorrect epoch")
	ErrVotingOnOldRound             = errors.New("safety: voting on old round")
	ErrInconsistentExecutionResult  = errors.New("safety: inconsistent execution result")
	ErrWaypointOutOfDate            = errors.New("safety: waypoint out of date")
	ErrBelowPreferredRound          = errors.New("safety: parent round below preferred round")
	ErrNotLeader                    = errors.New("safety: not the leader for this round")
	ErrInvalidParentCertificate     = errors.New("safety: block does not extend a valid parent QC or TC")
	ErrTimeoutOnOldRound            = errors.New("safety: timeout round not above highest timeout round")
)

// EpochInfo is the rotate-on-epoch-change half of Safety Rules' persistent
// state (spec §4.2 "epoch_info").
type EpochInfo struct {
	Epoch          uint64 `codec:"epoch"`
	ValidatorsHash []byte `codec:"validators_hash"`
}

// state is Safety Rules' full persistent state, flushed atomically to the
// single_entry column family before any signature is returned (spec §4.2
// "All state updates MUST be flushed to durable storage before returning a
// signature").
type state struct {
	LastVotedRound      uint64    `codec:"last_voted_round"`
	PreferredRound      uint64    `codec:"preferred_round"`
	OneChainRound       uint64    `codec:"one_chain_round"`
	HighestTimeoutRound uint64    `codec:"highest_timeout_round"`
	Epoch               EpochInfo `codec:"epoch_info"`
}

// VoteProposal is the input construct_and_sign_vote validates: the block
// under consideration plus its parent, so the prefer-round rule can be
// checked without a Block Store round-trip.
type VoteProposal struct {
	Block       *wire.Block
	ParentBlock *wire.Block
	// ExecutionResultDigest is filled in once the Pipeline Coordinator (or,
	// for a same-round optimistic vote, the GCEI adapter) has produced it;
	// nil means "vote without an execution attestation yet" which is valid
	// — the ledger-info signature is produced lazily by the pipeline.
	ExecutionResultDigest []byte
}

// Rules is the Safety Rules oracle. One instance per validator process;
// not safe for concurrent use from more than one round driver (spec §4.3
// names the Round State Machine as "Single logical owner per node").
type Rules struct {
	db     *storagedb.DB
	signer crypto.Signer
	st     state
}

// New constructs Safety Rules, loading any persisted state from db (a
// freshly-initialized db yields the zero state, equivalent to spec §4.2
// "initialize" at genesis).
func New(db *storagedb.DB, signer crypto.Signer) (*Rules, error) {
	r := &Rules{db: db, signer: signer}
	if err := r.load(); err != nil && !storagedb.IsNotFound(err) {
		return nil, err
	}
	return r, nil
}

// load restores each scalar from its own single_entry key (spec §4.2 names
// last_voted_round, preferred_round, one_chain_round, highest_timeout_round
// and epoch_info as five distinct persistent fields); a fresh db with no
// entries yet is the valid zero state.
func (r *Rules) load() error {
	if v, err := r.getUint64(storagedb.EntryLastVote); err == nil {
		r.st.LastVotedRound = v
	} else if !storagedb.IsNotFound(err) {
		return err
	}
	if v, err := r.getUint64(storagedb.EntryPreferredRound); err == nil {
		r.st.PreferredRound = v
	} else if !storagedb.IsNotFound(err) {
		return err
	}
	if v, err := r.getUint64(storagedb.EntryOneChainRound); err == nil {
		r.st.OneChainRound = v
	} else if !storagedb.IsNotFound(err) {
		return err
	}
	if v, err := r.getUint64(storagedb.EntryHighestTimeoutCert); err == nil {
		r.st.HighestTimeoutRound = v
	} else if !storagedb.IsNotFound(err) {
		return err
	}
	data, err := r.db.GetSingleEntry(storagedb.EntryEpochInfo)
	if err != nil {
		if storagedb.IsNotFound(err) {
			return nil
		}
		return err
	}
	return wire.Unmarshal(data, &r.st.Epoch)
}

func (r *Rules) getUint64(name string) (uint64, error) {
	data, err := r.db.GetSingleEntry(name)
	if err != nil {
		return 0, err
	}
	return bytesToUint64(data), nil
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func uint64ToBytes(i uint64) []byte {
	b := make([]byte, 8)
	for idx := 0; idx < 8; idx++ {
		b[7-idx] = byte(i >> (8 * idx))
	}
	return b
}

// flush atomically persists every scalar in one transaction (spec §4.2
// "All state updates MUST be flushed to durable storage before returning a
// signature"), using the same single_entry keys load reads back.
func (r *Rules) flush() error {
	epochData, err := wire.Marshal(&r.st.Epoch)
	if err != nil {
		return err
	}
	b := storagedb.NewBatch()
	b.PutSingleEntry(storagedb.EntryLastVote, uint64ToBytes(r.st.LastVotedRound))
	b.PutSingleEntry(storagedb.EntryPreferredRound, uint64ToBytes(r.st.PreferredRound))
	b.PutSingleEntry(storagedb.EntryOneChainRound, uint64ToBytes(r.st.OneChainRound))
	b.PutSingleEntry(storagedb.EntryHighestTimeoutCert, uint64ToBytes(r.st.HighestTimeoutRound))
	b.PutSingleEntry(storagedb.EntryEpochInfo, epochData)
	return r.db.Commit(b)
}

// LastVotedRound returns the last round this node voted in.
func (r *Rules) LastVotedRound() uint64 { return r.st.LastVotedRound }

// PreferredRound returns the current 2-chain preferred round.
func (r *Rules) PreferredRound() uint64 { return r.st.PreferredRound }

// Epoch returns the epoch Safety Rules currently believes it is in.
func (r *Rules) Epoch() uint64 { return r.st.Epoch.Epoch }

// ConstructAndSignVote validates and signs a vote for proposal, enforcing
// the no-double-vote and 2-chain prefer-round rules (spec §4.2).
func (r *Rules) ConstructAndSignVote(proposal *VoteProposal) (*wire.Vote, error) {
	blk := proposal.Block
	if blk.Epoch != r.st.Epoch.Epoch {
		return nil, ErrIncorrectEpoch
	}
	if blk.Round <= r.st.LastVotedRound {
		return nil, ErrVotingOnOldRound
	}
	if proposal.ParentBlock.Round < r.st.PreferredRound {
		return nil, ErrBelowPreferredRound
	}

	newPreferred := r.st.PreferredRound
	if proposal.ParentBlock.Round > newPreferred {
		newPreferred = proposal.ParentBlock.Round
	}

	prevState := r.st
	r.st.LastVotedRound = blk.Round
	r.st.PreferredRound = newPreferred
	if err := r.flush(); err != nil {
		r.st = prevState
		return nil, err
	}

	voteData := wire.VoteData{
		ProposedBlockID:   blk.ID,
		ProposedBlockInfo: wire.BlockInfo{ID: blk.ID, Round: blk.Round, Epoch: blk.Epoch},
		ParentBlockID:     proposal.ParentBlock.ID,
		ParentBlockInfo:   wire.BlockInfo{ID: proposal.ParentBlock.ID, Round: proposal.ParentBlock.Round, Epoch: proposal.ParentBlock.Epoch},
	}
	ledgerSig := r.signer.Sign(blk.ID)

	vote := &wire.Vote{
		Voter:         r.signer.PublicKey().Bytes(),
		VoteData:      voteData,
		LedgerInfoSig: wire.IndividualSignature{Signer: ledgerSig.PublicKey().Bytes(), Value: ledgerSig.Value()},
	}
	return vote, nil
}

// ParentCertificate is whatever makes a leader's new block safe to extend:
// either its parent's QC, or (after a timeout round) the parent's QC plus
// a TC covering the skipped round (spec §4.3 "Proposal construction").
type ParentCertificate struct {
	ParentQC *wire.QC
	TC       *wire.TC
}

// SignProposal asserts leader identity for blk.Round, that blk extends a
// valid parent certificate, then signs it (spec §4.2 "sign_proposal").
func (r *Rules) SignProposal(blk *wire.Block, isLeader bool, cert ParentCertificate) (*wire.Block, error) {
	if !isLeader {
		return nil, ErrNotLeader
	}
	if blk.Epoch != r.st.Epoch.Epoch {
		return nil, ErrIncorrectEpoch
	}
	if cert.ParentQC == nil {
		return nil, ErrInvalidParentCertificate
	}
	if cert.TC == nil && cert.ParentQC.Round()+1 != blk.Round {
		return nil, ErrInvalidParentCertificate
	}
	if cert.TC != nil && cert.TC.Round+1 != blk.Round {
		return nil, ErrInvalidParentCertificate
	}

	blk.ParentQC = cert.ParentQC
	blk.Author = r.signer.PublicKey().Bytes()
	blk.ID = blk.Sum()
	sig := r.signer.Sign(blk.ID)
	blk.AuthorSig = sig.Value()
	return blk, nil
}

// SignTimeout signs a timeout for (round, epoch), enforcing the
// monotone-timeout-round rule (spec §4.2 "sign_timeout").
func (r *Rules) SignTimeout(round, epoch uint64) (*crypto.Signature, error) {
	if epoch != r.st.Epoch.Epoch {
		return nil, ErrIncorrectEpoch
	}
	if round <= r.st.HighestTimeoutRound {
		return nil, ErrTimeoutOnOldRound
	}

	prevRound := r.st.HighestTimeoutRound
	r.st.HighestTimeoutRound = round
	if err := r.flush(); err != nil {
		r.st.HighestTimeoutRound = prevRound
		return nil, err
	}

	return r.signer.Sign(wire.TimeoutSignBytes(round, epoch)), nil
}

// EpochChange describes a committed epoch-boundary block's effect on
// Safety Rules state (spec §4.2 "initialize", §4.3 "Epoch change").
type EpochChange struct {
	NewEpoch          uint64
	ValidatorsHash    []byte
	PreserveRounds    bool
}

// Initialize rotates Safety Rules into a new epoch, resetting per-epoch
// counters; if change.PreserveRounds is set, last_voted_round and
// preferred_round carry forward rather than resetting to zero (spec §4.2
// "preserves monotonic rounds across epochs if required").
func (r *Rules) Initialize(change EpochChange) error {
	next := state{Epoch: EpochInfo{Epoch: change.NewEpoch, ValidatorsHash: change.ValidatorsHash}}
	if change.PreserveRounds {
		next.LastVotedRound = r.st.LastVotedRound
		next.PreferredRound = r.st.PreferredRound
		next.OneChainRound = r.st.OneChainRound
		next.HighestTimeoutRound = r.st.HighestTimeoutRound
	}
	prev := r.st
	r.st = next
	if err := r.flush(); err != nil {
		r.st = prev
		return err
	}
	return nil
}
