// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package rsm implements the Round State Machine (spec §4.3): the per-round
// event loop that drives proposal, vote and timeout exchange, leader
// rotation and epoch change. Generalizes juria's hotstuff.Hotstuff plus its
// consensus.pacemaker/consensus.rotator pair — which implement chained
// 3-chain HotStuff's QCHigh-advancement rule — into the 2-chain variant of
// spec §4.1/§4.3, with an explicit TimeoutCertificate aggregated from 2f+1
// timeout votes (absent in juria, which relies on QCHigh alone to detect
// progress), modeled on the rotator's timer-driven run loop
// (consensus/rotator.go).
package rsm

import (
	"errors"
	"sync"
	"time"

	"github.com/gravity-sdk/consensus-core/internal/blockstore"
	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/emitter"
	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/gravity-sdk/consensus-core/internal/safety"
	"github.com/gravity-sdk/consensus-core/internal/validator"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// Phase is the Round State Machine's current state (spec §4.3 "States").
type Phase int

const (
	Proposing Phase = iota
	AwaitingProposal
	Voting
	AwaitingQC
	TimedOut
)

func (p Phase) String() string {
	switch p {
	case Proposing:
		return "proposing"
	case AwaitingProposal:
		return "awaiting_proposal"
	case Voting:
		return "voting"
	case AwaitingQC:
		return "awaiting_qc"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ErrStopped is returned by operations attempted after Stop.
var ErrStopped = errors.New("rsm: round state machine stopped")

// TimeoutVote is one validator's signed assertion that round R made no
// progress (spec §3 "TimeoutCertificate" precursor).
type TimeoutVote struct {
	Round     uint64
	Epoch     uint64
	Voter     []byte
	Sig       *crypto.Signature
	HighestQC *wire.QC
}

// PayloadSource lets the leader pull a payload from the Quorum Store (spec
// §4.3 "Proposal construction" step 1) without the Round State Machine
// knowing batch/PoAv internals.
type PayloadSource interface {
	BuildPayload(maxTxns int, maxBytes int) wire.Payload
}

// MsgService is the transport-agnostic send/subscribe surface the Round
// State Machine needs, mirroring juria's consensus.MsgService interface
// (consensus/resources.go) generalized to the 2-chain message set (an
// explicit timeout vote/TC channel juria has no equivalent of).
type MsgService interface {
	BroadcastProposal(blk *wire.Block) error
	SendVote(to *crypto.PublicKey, vote *wire.Vote) error
	BroadcastTimeout(tv TimeoutVote) error
	BroadcastTC(tc *wire.TC) error

	SubscribeProposal(buffer int) *emitter.Subscription // *wire.Block
	SubscribeVote(buffer int) *emitter.Subscription     // *wire.Vote
	SubscribeTimeout(buffer int) *emitter.Subscription  // TimeoutVote
	SubscribeTC(buffer int) *emitter.Subscription       // *wire.TC
}

// Config holds the Round State Machine's timing parameters (spec §6
// "round_timeout_ms").
type Config struct {
	RoundTimeout    time.Duration
	MaxSendingTxns  int
	MaxSendingBytes int
}

type voteAgg struct {
	sigs  []wire.IndividualSignature
	seen  map[string]struct{}
	voteData wire.VoteData
}

type timeoutAgg struct {
	sigs []wire.IndividualSignature
	seen map[string]struct{}
}

// RSM is the Round State Machine (spec §4.3). One instance drives a single
// validator's consensus participation.
type RSM struct {
	cfg     Config
	vset    *validator.Set
	bs      *blockstore.BlockStore
	safety  *safety.Rules
	msgSvc  MsgService
	payload PayloadSource
	self    *crypto.PrivateKey

	mtx          sync.Mutex
	round        uint64
	epoch        uint64
	phase        Phase
	highestQC    *wire.QC
	highestTC    *wire.TC
	votesByRound map[uint64]*voteAgg
	toByRound    map[uint64]*timeoutAgg

	timer  *time.Timer
	stopCh chan struct{}
}

// New constructs a Round State Machine rooted at the Block Store's current
// highest QC.
func New(cfg Config, vset *validator.Set, bs *blockstore.BlockStore, sr *safety.Rules, msgSvc MsgService, payload PayloadSource, self *crypto.PrivateKey) *RSM {
	return &RSM{
		cfg:          cfg,
		vset:         vset,
		bs:           bs,
		safety:       sr,
		msgSvc:       msgSvc,
		payload:      payload,
		self:         self,
		epoch:        sr.Epoch(),
		highestQC:    bs.HighestQC(),
		votesByRound: make(map[uint64]*voteAgg),
		toByRound:    make(map[uint64]*timeoutAgg),
	}
}

// Start begins the round loop at round+1 after whatever the safety rules
// last voted in, matching spec §4.3 "Enter round R".
func (r *RSM) Start() {
	r.mtx.Lock()
	if r.stopCh != nil {
		r.mtx.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	startRound := r.safety.LastVotedRound() + 1
	r.mtx.Unlock()

	go r.run(startRound)
	logger.I().Infow("started round state machine", "round", startRound)
}

// Stop halts the round loop.
func (r *RSM) Stop() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	r.stopCh = nil
}

func (r *RSM) run(startRound uint64) {
	subProposal := r.msgSvc.SubscribeProposal(16)
	subVote := r.msgSvc.SubscribeVote(64)
	subTimeout := r.msgSvc.SubscribeTimeout(64)
	subTC := r.msgSvc.SubscribeTC(8)
	defer subProposal.Unsubscribe()
	defer subVote.Unsubscribe()
	defer subTimeout.Unsubscribe()
	defer subTC.Unsubscribe()

	r.enterRound(startRound)

	for {
		select {
		case <-r.stopCh:
			return

		case <-r.timerChan():
			r.onRoundTimeout()

		case e := <-subProposal.Events():
			r.onReceiveProposal(e.(*wire.Block))

		case e := <-subVote.Events():
			r.onReceiveVote(e.(*wire.Vote))

		case e := <-subTimeout.Events():
			r.onReceiveTimeoutVote(e.(TimeoutVote))

		case e := <-subTC.Events():
			r.onReceiveTC(e.(*wire.TC))
		}
	}
}

func (r *RSM) timerChan() <-chan time.Time {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.timer == nil {
		return nil
	}
	return r.timer.C
}

func (r *RSM) armTimer() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.NewTimer(r.cfg.RoundTimeout)
}

// enterRound implements spec §4.3 "Enter round R": the deterministic leader
// for the round either proposes or arms the proposal-wait timeout.
func (r *RSM) enterRound(round uint64) {
	r.mtx.Lock()
	r.round = round
	idx := r.vset.Leader(round, validator.WeightedByPower)
	info := r.vset.At(idx)
	r.mtx.Unlock()

	if info.PublicKey.Equal(r.self.PublicKey()) {
		r.setPhase(Proposing)
		r.propose(round)
	} else {
		r.setPhase(AwaitingProposal)
	}
	r.armTimer()
}

func (r *RSM) setPhase(p Phase) {
	r.mtx.Lock()
	r.phase = p
	r.mtx.Unlock()
}

// Phase returns the Round State Machine's current phase.
func (r *RSM) Phase() Phase {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.phase
}

// Round returns the current round number.
func (r *RSM) Round() uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.round
}

// propose implements spec §4.3 "Proposal construction (leader path)".
func (r *RSM) propose(round uint64) {
	r.mtx.Lock()
	parentQC := r.highestQC
	tc := r.highestTC
	r.mtx.Unlock()

	if parentQC == nil {
		logger.I().Errorw("no parent qc to propose from", "round", round)
		return
	}

	payload := r.payload.BuildPayload(r.cfg.MaxSendingTxns, r.cfg.MaxSendingBytes)

	parentBlk, ok := r.bs.GetBlock(parentQC.BlockHash())
	if !ok {
		logger.I().Errorw("parent block for highest qc not in block store", "round", round)
		return
	}

	ts := time.Now().UnixNano()
	if ts <= parentBlk.Timestamp {
		ts = parentBlk.Timestamp + 1
	}

	blk := &wire.Block{
		Round:     round,
		Epoch:     r.epoch,
		ParentID:  parentBlk.ID,
		Payload:   payload,
		Timestamp: ts,
	}

	cert := safety.ParentCertificate{ParentQC: parentQC, TC: tc}
	signed, err := r.safety.SignProposal(blk, true, cert)
	if err != nil {
		// Proposal errors are not retried (spec §4.3 "Failure semantics");
		// the round simply times out.
		logger.I().Warnw("sign_proposal failed", "round", round, "error", err)
		return
	}

	if _, err := r.bs.InsertBlock(signed, r.self.PublicKey()); err != nil {
		logger.I().Warnw("failed to insert own proposal", "round", round, "error", err)
		return
	}
	if err := r.msgSvc.BroadcastProposal(signed); err != nil {
		logger.I().Warnw("failed to broadcast proposal", "round", round, "error", err)
	}
}

// onReceiveProposal implements spec §4.3 "Receive valid proposal B for R".
func (r *RSM) onReceiveProposal(blk *wire.Block) {
	if _, err := r.bs.InsertBlock(blk, nil); err != nil {
		logger.I().Warnw("rejected proposal", "round", blk.Round, "error", err)
		return
	}

	parentBlk, ok := r.bs.GetBlock(blk.ParentID)
	if !ok {
		return // Block Store already triggered a fetch via NeedFetch
	}

	r.setPhase(Voting)
	vote, err := r.safety.ConstructAndSignVote(&safety.VoteProposal{Block: blk, ParentBlock: parentBlk})
	if err != nil {
		logger.I().Warnw("refused to vote", "round", blk.Round, "error", err)
		return
	}

	r.mtx.Lock()
	nextLeaderRound := blk.Round + 1
	nextIdx := r.vset.Leader(nextLeaderRound, validator.WeightedByPower)
	next := r.vset.At(nextIdx)
	r.mtx.Unlock()

	if err := r.msgSvc.SendVote(next.PublicKey, vote); err != nil {
		logger.I().Warnw("failed to send vote", "round", blk.Round, "error", err)
	}
	r.setPhase(AwaitingQC)
}

// onReceiveVote aggregates votes for the round the leader of round+1 is
// collecting and forms a QC once 2f+1 is reached (spec §4.3's implicit
// leader-side quorum collection, paired with Block Store's insert_qc).
func (r *RSM) onReceiveVote(vote *wire.Vote) {
	round := vote.VoteData.ProposedBlockInfo.Round
	if err := vote.Validate(r.vset); err != nil {
		logger.I().Warnw("rejected vote", "round", round, "error", err)
		return
	}

	r.mtx.Lock()
	agg, ok := r.votesByRound[round]
	if !ok {
		agg = &voteAgg{seen: make(map[string]struct{}), voteData: vote.VoteData}
		r.votesByRound[round] = agg
	}
	key := string(vote.LedgerInfoSig.Signer)
	if _, dup := agg.seen[key]; !dup {
		agg.seen[key] = struct{}{}
		agg.sigs = append(agg.sigs, vote.LedgerInfoSig)
	}
	majority := r.vset.MajorityCount()
	ready := len(agg.sigs) >= majority
	sigs := append([]wire.IndividualSignature(nil), agg.sigs...)
	if ready {
		delete(r.votesByRound, round)
	}
	r.mtx.Unlock()

	if !ready {
		return
	}

	qc := &wire.QC{VoteData: agg.voteData, Signatures: sigs}
	if err := r.bs.InsertQC(qc); err != nil {
		logger.I().Warnw("failed to insert formed qc", "round", round, "error", err)
		return
	}

	r.mtx.Lock()
	r.highestQC = qc
	r.highestTC = nil
	r.mtx.Unlock()

	r.advanceRound(round + 1)
}

// onRoundTimeout implements spec §4.3 "Timeout(R)": broadcast TimeoutVote.
func (r *RSM) onRoundTimeout() {
	r.mtx.Lock()
	round := r.round
	epoch := r.epoch
	qc := r.highestQC
	r.mtx.Unlock()

	sig, err := r.safety.SignTimeout(round, epoch)
	if err != nil {
		logger.I().Warnw("sign_timeout failed", "round", round, "error", err)
		return
	}
	r.setPhase(TimedOut)

	tv := TimeoutVote{Round: round, Epoch: epoch, Voter: r.self.PublicKey().Bytes(), Sig: sig, HighestQC: qc}
	r.onReceiveTimeoutVote(tv) // count our own vote
	if err := r.msgSvc.BroadcastTimeout(tv); err != nil {
		logger.I().Warnw("failed to broadcast timeout", "round", round, "error", err)
	}
}

// onReceiveTimeoutVote aggregates timeout votes into a TC once 2f+1 are
// collected (spec §4.3 "on receiving 2f+1 -> form TC").
func (r *RSM) onReceiveTimeoutVote(tv TimeoutVote) {
	if !tv.Sig.Verify(wire.TimeoutSignBytes(tv.Round, tv.Epoch)) {
		return
	}
	if !r.vset.IsValidator(tv.Sig.PublicKey()) {
		return
	}

	r.mtx.Lock()
	agg, ok := r.toByRound[tv.Round]
	if !ok {
		agg = &timeoutAgg{seen: make(map[string]struct{})}
		r.toByRound[tv.Round] = agg
	}
	key := string(tv.Voter)
	if _, dup := agg.seen[key]; !dup {
		agg.seen[key] = struct{}{}
		agg.sigs = append(agg.sigs, wire.IndividualSignature{Signer: tv.Voter, Value: tv.Sig.Value()})
	}
	majority := r.vset.MajorityCount()
	ready := len(agg.sigs) >= majority
	sigs := append([]wire.IndividualSignature(nil), agg.sigs...)
	if ready {
		delete(r.toByRound, tv.Round)
	}
	round, epoch := tv.Round, tv.Epoch
	r.mtx.Unlock()

	if !ready {
		return
	}

	tc := &wire.TC{Round: round, Epoch: epoch, Signatures: sigs}
	if err := r.msgSvc.BroadcastTC(tc); err != nil {
		logger.I().Warnw("failed to broadcast tc", "round", round, "error", err)
	}
	r.onReceiveTC(tc)
}

// onReceiveTC implements the TC half of "advance to R+1" once a valid
// certificate arrives, either self-formed or from a peer.
func (r *RSM) onReceiveTC(tc *wire.TC) {
	if err := tc.Validate(r.vset); err != nil {
		logger.I().Warnw("rejected tc", "round", tc.Round, "error", err)
		return
	}

	r.mtx.Lock()
	if tc.Round < r.round {
		r.mtx.Unlock()
		return
	}
	r.highestTC = tc
	r.mtx.Unlock()

	r.advanceRound(tc.Round + 1)
}

// advanceRound moves to the next round, cancelling any in-flight timer
// (spec §4.3 "Receive QC(R): advance to R+1").
func (r *RSM) advanceRound(next uint64) {
	r.mtx.Lock()
	if next <= r.round {
		r.mtx.Unlock()
		return
	}
	r.mtx.Unlock()
	r.enterRound(next)
}

// ApplyEpochChange implements spec §4.3 "Epoch change": resets the Block
// Tree with the epoch-change block as root, reloads Safety Rules, and
// begins epoch e+1 at round 1.
func (r *RSM) ApplyEpochChange(epochBlock *wire.Block, epochQC *wire.QC, newEpoch uint64, validatorsHash []byte, newSet *validator.Set) error {
	if err := r.safety.Initialize(safety.EpochChange{NewEpoch: newEpoch, ValidatorsHash: validatorsHash, PreserveRounds: false}); err != nil {
		return err
	}
	r.bs.ResetForEpoch(epochBlock, epochQC)

	r.mtx.Lock()
	r.epoch = newEpoch
	r.vset = newSet
	r.highestQC = epochQC
	r.highestTC = nil
	r.votesByRound = make(map[uint64]*voteAgg)
	r.toByRound = make(map[uint64]*timeoutAgg)
	r.mtx.Unlock()

	r.advanceRound(1)
	return nil
}
