// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package blockstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/storagedb"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

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

func setupStore(t *testing.T) (*BlockStore, *testValidatorSet, *wire.Block) {
	t.Helper()
	vs := newTestValidatorSet(t, 4)
	dir := t.TempDir()
	db, err := storagedb.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	genesis := &wire.Block{Round: 0, Epoch: 1, Payload: wire.Payload{Kind: wire.PayloadNil}}
	signBlock(genesis, vs.keys[0])
	genesisQC := makeQC(genesis, wire.BlockInfo{}, vs)

	bs := New(vs, db, genesis, genesisQC)
	return bs, vs, genesis
}

func TestInsertBlockMissingParent(t *testing.T) {
	bs, vs, genesis := setupStore(t)
	orphan := newChild(&wire.Block{ID: []byte("ghost"), Round: 5, Epoch: genesis.Epoch}, 6, vs.keys[1], nil)
	_, err := bs.InsertBlock(orphan, nil)
	assert.ErrorIs(t, err, ErrMissingParent)
}

func TestInsertBlockStaleRound(t *testing.T) {
	bs, vs, genesis := setupStore(t)
	stale := newChild(genesis, 0, vs.keys[1], nil)
	_, err := bs.InsertBlock(stale, nil)
	assert.ErrorIs(t, err, ErrStaleRound)
}

func TestInsertBlockWrongEpoch(t *testing.T) {
	bs, vs, genesis := setupStore(t)
	blk := newChild(genesis, 1, vs.keys[1], nil)
	blk.Epoch = genesis.Epoch + 1
	signBlock(blk, vs.keys[1])
	blk.ParentID = genesis.ID
	_, err := bs.InsertBlock(blk, nil)
	assert.ErrorIs(t, err, ErrWrongEpoch)
}

func TestInsertBlockEquivocation(t *testing.T) {
	bs, vs, genesis := setupStore(t)
	b1 := newChild(genesis, 1, vs.keys[1], nil)
	_, err := bs.InsertBlock(b1, nil)
	require.NoError(t, err)

	b2 := &wire.Block{Round: 1, Epoch: genesis.Epoch, ParentID: genesis.ID, Payload: wire.Payload{Kind: wire.PayloadTxns, Transactions: [][]byte{[]byte("x")}}}
	signBlock(b2, vs.keys[1])
	_, err = bs.InsertBlock(b2, nil)
	assert.ErrorIs(t, err, ErrEquivocation)
}

// TestTwoChainCommit exercises the 2-chain commit rule (spec testable
// property #4): three contiguous-round blocks B1 <- B2 <- B3, each QCed in
// turn, must commit B1 once B3's QC lands (B2 is the 1-chain, B1 the
// certifying 2-chain ancestor).
func TestTwoChainCommit(t *testing.T) {
	bs, vs, genesis := setupStore(t)

	b1 := newChild(genesis, 1, vs.keys[1], nil)
	_, err := bs.InsertBlock(b1, nil)
	require.NoError(t, err)
	qc1 := makeQC(b1, wire.BlockInfo{ID: genesis.ID, Round: genesis.Round, Epoch: genesis.Epoch}, vs)
	require.NoError(t, bs.InsertQC(qc1))

	sub := bs.SubscribeCommitted(8)

	b2 := newChild(b1, 2, vs.keys[2], qc1)
	_, err = bs.InsertBlock(b2, nil)
	require.NoError(t, err)
	qc2 := makeQC(b2, wire.BlockInfo{ID: b1.ID, Round: b1.Round, Epoch: b1.Epoch}, vs)
	require.NoError(t, bs.InsertQC(qc2))

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected early commit: %+v", ev)
	default:
	}

	b3 := newChild(b2, 3, vs.keys[3], qc2)
	_, err = bs.InsertBlock(b3, nil)
	require.NoError(t, err)
	qc3 := makeQC(b3, wire.BlockInfo{ID: b2.ID, Round: b2.Round, Epoch: b2.Epoch}, vs)
	require.NoError(t, bs.InsertQC(qc3))

	select {
	case ev := <-sub.Events():
		committed := ev.(CommittedBlock)
		assert.Equal(t, b1.ID, committed.Block.ID)
	default:
		t.Fatal("expected a commit event for b1")
	}

	status, ok := bs.StatusOf(b1.ID)
	require.True(t, ok)
	assert.True(t, status.Has(StatusCommitted))
}

// TestNonContiguousRoundsSkipCommit checks that a gap between rounds (a
// skipped/NIL round) breaks the 2-chain and defers commit.
func TestNonContiguousRoundsSkipCommit(t *testing.T) {
	bs, vs, genesis := setupStore(t)

	b1 := newChild(genesis, 1, vs.keys[1], nil)
	_, err := bs.InsertBlock(b1, nil)
	require.NoError(t, err)
	qc1 := makeQC(b1, wire.BlockInfo{ID: genesis.ID, Round: genesis.Round, Epoch: genesis.Epoch}, vs)
	require.NoError(t, bs.InsertQC(qc1))

	// b2 at round 3 skips round 2 (a timed-out round).
	b2 := newChild(b1, 3, vs.keys[2], qc1)
	_, err = bs.InsertBlock(b2, nil)
	require.NoError(t, err)
	qc2 := makeQC(b2, wire.BlockInfo{ID: b1.ID, Round: b1.Round, Epoch: b1.Epoch}, vs)
	require.NoError(t, bs.InsertQC(qc2))

	status, ok := bs.StatusOf(b1.ID)
	require.True(t, ok)
	assert.False(t, status.Has(StatusCommitted))
}

func TestPathFromRoot(t *testing.T) {
	bs, vs, genesis := setupStore(t)
	b1 := newChild(genesis, 1, vs.keys[1], nil)
	_, err := bs.InsertBlock(b1, nil)
	require.NoError(t, err)

	path, err := bs.PathFromRoot(b1.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)

	genNode, ok := bs.Block(path[0])
	require.True(t, ok)
	assert.Equal(t, genesis.ID, genNode.ID)
}
