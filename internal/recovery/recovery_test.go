// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gravity-sdk/consensus-core/internal/blockstore"
	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/emitter"
	"github.com/gravity-sdk/consensus-core/internal/gcei"
	"github.com/gravity-sdk/consensus-core/internal/storagedb"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// testValidatorSet mirrors internal/blockstore's own test helper of the
// same name, duplicated here since it is unexported there.
type testValidatorSet struct {
	keys []*crypto.PrivateKey
}

func newTestValidatorSet(t *testing.T, n int) *testValidatorSet {
	t.Helper()
	vs := &testValidatorSet{}
	for i := 0; i < n; i++ {
		k, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		vs.keys = append(vs.keys, k)
	}
	return vs
}

func (vs *testValidatorSet) IsValidator(pub *crypto.PublicKey) bool {
	for _, k := range vs.keys {
		if k.PublicKey().Equal(pub) {
			return true
		}
	}
	return false
}

func (vs *testValidatorSet) MajorityCount() int {
	return 2*((len(vs.keys)-1)/3) + 1
}

func signBlock(blk *wire.Block, signer *crypto.PrivateKey) {
	blk.Author = signer.PublicKey().Bytes()
	blk.ID = blk.Sum()
	sig := signer.Sign(blk.ID)
	blk.AuthorSig = sig.Value()
}

func quorumSigs(vs *testValidatorSet, msg []byte) []wire.IndividualSignature {
	out := make([]wire.IndividualSignature, 0, vs.MajorityCount())
	for i := 0; i < vs.MajorityCount(); i++ {
		sig := vs.keys[i].Sign(msg)
		out = append(out, wire.IndividualSignature{Signer: sig.PublicKey().Bytes(), Value: sig.Value()})
	}
	return out
}

func makeQC(blk *wire.Block, parentInfo wire.BlockInfo, vs *testValidatorSet) *wire.QC {
	return &wire.QC{
		VoteData: wire.VoteData{
			ProposedBlockID:   blk.ID,
			ProposedBlockInfo: wire.BlockInfo{ID: blk.ID, Round: blk.Round, Epoch: blk.Epoch},
			ParentBlockID:     blk.ParentID,
			ParentBlockInfo:   parentInfo,
		},
		Signatures: quorumSigs(vs, blk.ID),
	}
}

func newChild(parent *wire.Block, round uint64, signer *crypto.PrivateKey, parentQC *wire.QC) *wire.Block {
	blk := &wire.Block{
		Round:    round,
		Epoch:    parent.Epoch,
		ParentID: parent.ID,
		ParentQC: parentQC,
		Payload:  wire.Payload{Kind: wire.PayloadTxns},
	}
	signBlock(blk, signer)
	return blk
}

func newGenesisStore(t *testing.T, vs *testValidatorSet) (*blockstore.BlockStore, *wire.Block, *wire.QC) {
	t.Helper()
	db, err := storagedb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	genesis := &wire.Block{Round: 0, Epoch: 1, Payload: wire.Payload{Kind: wire.PayloadNil}}
	signBlock(genesis, vs.keys[0])
	genesisQC := makeQC(genesis, wire.BlockInfo{}, vs)

	bs := blockstore.New(vs, db, genesis, genesisQC)
	return bs, genesis, genesisQC
}

// buildFiveRoundChain inserts 5 contiguous-round blocks into bs, each QCed
// in turn, so that by the end round 1-3 are committed and rounds 4-5 are
// QCed but not yet committed (the same 2-chain arithmetic exercised by
// internal/blockstore's own TestTwoChainCommit).
func buildFiveRoundChain(t *testing.T, bs *blockstore.BlockStore, vs *testValidatorSet, genesis *wire.Block) []*wire.Block {
	t.Helper()
	blocks := make([]*wire.Block, 0, 5)
	parent := genesis
	var parentQC *wire.QC
	for round := uint64(1); round <= 5; round++ {
		blk := newChild(parent, round, vs.keys[round%uint64(len(vs.keys))], parentQC)
		_, err := bs.InsertBlock(blk, nil)
		require.NoError(t, err)
		qc := makeQC(blk, wire.BlockInfo{ID: parent.ID, Round: parent.Round, Epoch: parent.Epoch}, vs)
		require.NoError(t, bs.InsertQC(qc))
		blocks = append(blocks, blk)
		parent = blk
		parentQC = qc
	}
	return blocks
}

// fakeRouter wires two or more Syncer-facing MsgServices together,
// delivering each Send call as an emitted event on the addressee's own
// subscription emitters, mirroring the hand-written routing fakes used
// across this module's other packages (e.g. quorumstore's fakeMsgService).
type fakeRouter struct {
	nodes map[string]*fakeMsgService
}

type fakeMsgService struct {
	self   *crypto.PublicKey
	router *fakeRouter
	reqs   *emitter.Emitter
	resps  *emitter.Emitter
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{nodes: make(map[string]*fakeMsgService)}
}

func (r *fakeRouter) register(self *crypto.PublicKey) *fakeMsgService {
	m := &fakeMsgService{self: self, router: r, reqs: emitter.New(), resps: emitter.New()}
	r.nodes[self.String()] = m
	return m
}

func (m *fakeMsgService) SendFetchRequest(to *crypto.PublicKey, req *wire.FetchRequest) error {
	peer, ok := m.router.nodes[to.String()]
	if !ok {
		return nil
	}
	peer.reqs.Emit(InboundRequest{From: m.self, Req: req})
	return nil
}

func (m *fakeMsgService) SendFetchResponse(to *crypto.PublicKey, resp *wire.FetchResponse) error {
	peer, ok := m.router.nodes[to.String()]
	if !ok {
		return nil
	}
	peer.resps.Emit(InboundResponse{From: m.self, Resp: resp})
	return nil
}

func (m *fakeMsgService) SubscribeFetchRequest(buffer int) *emitter.Subscription {
	return m.reqs.Subscribe(buffer)
}

func (m *fakeMsgService) SubscribeFetchResponse(buffer int) *emitter.Subscription {
	return m.resps.Subscribe(buffer)
}

var _ MsgService = (*fakeMsgService)(nil)

func TestShouldSyncTriggersWhenPeerAhead(t *testing.T) {
	low := &wire.QC{VoteData: wire.VoteData{ProposedBlockInfo: wire.BlockInfo{Round: 1}}}
	high := &wire.QC{VoteData: wire.VoteData{ProposedBlockInfo: wire.BlockInfo{Round: 5}}}

	assert.True(t, ShouldSync(&wire.SyncInfo{HighestQC: low}, &wire.SyncInfo{HighestQC: high}))
	assert.False(t, ShouldSync(&wire.SyncInfo{HighestQC: high}, &wire.SyncInfo{HighestQC: low}))
	assert.False(t, ShouldSync(&wire.SyncInfo{HighestQC: high}, &wire.SyncInfo{HighestQC: high}))
	assert.True(t, ShouldSync(nil, &wire.SyncInfo{HighestQC: low}))
}

func TestProcessStartRecoverReplaysBlocksAboveExecHeightAndRegisters(t *testing.T) {
	vs := newTestValidatorSet(t, 4)
	bs, genesis, _ := newGenesisStore(t, vs)
	buildFiveRoundChain(t, bs, vs, genesis)

	exec := new(gcei.TestDouble)
	exec.On("LatestBlockNumber", mock.Anything).Return(1, nil).Once()
	exec.On("RecoverOrderedBlock", mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
	exec.On("CommitBlockInfo", mock.Anything, mock.Anything).Return(nil).Twice()
	exec.On("RegisterExecutionArgs", mock.Anything, gcei.ExecutionArgs{Epoch: 1, GenesisWaypoint: []byte("wp")}).Return(nil).Once()

	resumeRound, err := ProcessStartRecover(context.Background(), bs, gcei.NewAdapter(exec), nil, 1, []byte("wp"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), resumeRound) // highest qc is round 5
	exec.AssertExpectations(t)
}

func TestProcessStartRecoverNoOpWhenExecAlreadyCaughtUp(t *testing.T) {
	vs := newTestValidatorSet(t, 4)
	bs, genesis, _ := newGenesisStore(t, vs)
	buildFiveRoundChain(t, bs, vs, genesis)

	exec := new(gcei.TestDouble)
	exec.On("LatestBlockNumber", mock.Anything).Return(3, nil).Once()
	exec.On("RegisterExecutionArgs", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := ProcessStartRecover(context.Background(), bs, gcei.NewAdapter(exec), nil, 1, []byte("wp"))
	require.NoError(t, err)
	exec.AssertNotCalled(t, "RecoverOrderedBlock", mock.Anything, mock.Anything, mock.Anything)
	exec.AssertExpectations(t)
}

func TestSyncerTriggerFetchesCommittedThenQCedRanges(t *testing.T) {
	vs := newTestValidatorSet(t, 4)

	bsAhead, genesis, genesisQC := newGenesisStore(t, vs)
	buildFiveRoundChain(t, bsAhead, vs, genesis)

	dbBehind, err := storagedb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dbBehind.Close() })
	bsBehind := blockstore.New(vs, dbBehind, genesis, genesisQC)

	router := newFakeRouter()
	peerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	selfKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	aheadExec := new(gcei.TestDouble) // never exercised: serving side only
	behindExec := new(gcei.TestDouble)
	behindExec.On("RecoverOrderedBlock", mock.Anything, mock.Anything, mock.Anything).Return(nil).Times(3)
	behindExec.On("CommitBlockInfo", mock.Anything, mock.Anything).Return(nil).Times(3)

	aheadSyncer := NewSyncer(bsAhead, gcei.NewAdapter(aheadExec), nil, router.register(peerKey.PublicKey()), 1)
	behindSyncer := NewSyncer(bsBehind, gcei.NewAdapter(behindExec), nil, router.register(selfKey.PublicKey()), 1)
	aheadSyncer.Start()
	behindSyncer.Start()
	t.Cleanup(aheadSyncer.Stop)
	t.Cleanup(behindSyncer.Stop)

	peerSync := &wire.SyncInfo{HighestQC: bsAhead.HighestQC(), HighestCommitQC: bsAhead.HighestCommitQC()}

	ctx, cancel := context.WithTimeout(context.Background(), 5e9)
	defer cancel()
	require.NoError(t, behindSyncer.Trigger(ctx, peerKey.PublicKey(), peerSync))

	behindExec.AssertExpectations(t)
	for _, round := range []uint64{1, 2, 3, 4, 5} {
		_, ok := bsBehind.GetBlock(bsAhead.BlocksAtRound(round)[0].ID)
		assert.True(t, ok, "round %d should have been synced in", round)
	}
	status, ok := bsBehind.StatusOf(bsAhead.BlocksAtRound(3)[0].ID)
	require.True(t, ok)
	assert.True(t, status.Has(blockstore.StatusCommitted))
}

func TestSyncerTriggerRejectsCrossEpoch(t *testing.T) {
	vs := newTestValidatorSet(t, 4)
	bs, genesis, _ := newGenesisStore(t, vs)
	buildFiveRoundChain(t, bs, vs, genesis)

	real := bs.HighestQC()
	peerQC := &wire.QC{
		VoteData: wire.VoteData{
			ProposedBlockID:   real.VoteData.ProposedBlockID,
			ProposedBlockInfo: wire.BlockInfo{ID: real.VoteData.ProposedBlockID, Round: real.Round() + 1, Epoch: 99},
		},
	}

	router := newFakeRouter()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	s := NewSyncer(bs, gcei.NewAdapter(new(gcei.TestDouble)), nil, router.register(key.PublicKey()), 1)
	peerSync := &wire.SyncInfo{HighestQC: peerQC, HighestCommitQC: bs.HighestCommitQC()}

	err = s.Trigger(context.Background(), key.PublicKey(), peerSync)
	assert.ErrorIs(t, err, ErrCrossEpoch)
}
