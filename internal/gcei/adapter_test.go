// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package gcei

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gravity-sdk/consensus-core/internal/wire"
)

func TestAdapterRecvOrderedBlockComposesBothGCEICalls(t *testing.T) {
	cap := new(TestDouble)
	a := NewAdapter(cap)

	ob := &wire.OrderedBlock{ID: []byte("blk1"), Round: 5, Metadata: []byte("parent1")}
	res := &wire.ComputeRes{BlockID: ob.ID, StateRootHash: []byte("root")}

	cap.On("RecvOrderedBlock", mock.Anything, []byte("parent1"), ob).Return(nil).Once()
	cap.On("SendExecutedBlockHash", mock.Anything, uint64(5), []byte("blk1")).Return(res, nil).Once()

	got, err := a.RecvOrderedBlock(context.Background(), ob)
	require.NoError(t, err)
	assert.Same(t, res, got)
	cap.AssertExpectations(t)
}

func TestAdapterRecvOrderedBlockStopsIfAckFails(t *testing.T) {
	cap := new(TestDouble)
	a := NewAdapter(cap)

	ob := &wire.OrderedBlock{ID: []byte("blk1"), Round: 5}
	cap.On("RecvOrderedBlock", mock.Anything, mock.Anything, ob).Return(NewError(Invalid, "bad block")).Once()

	_, err := a.RecvOrderedBlock(context.Background(), ob)
	require.Error(t, err)
	cap.AssertNotCalled(t, "SendExecutedBlockHash", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdapterCommitBlockInfoBatchesSingleBlock(t *testing.T) {
	cap := new(TestDouble)
	a := NewAdapter(cap)

	cap.On("CommitBlockInfo", mock.Anything, [][]byte{[]byte("blk1")}).Return(nil).Once()
	err := a.CommitBlockInfo(context.Background(), []byte("blk1"), &wire.LedgerInfo{})
	require.NoError(t, err)
	cap.AssertExpectations(t)
}

func TestAdapterRetriesUnavailableThenSucceeds(t *testing.T) {
	cap := new(TestDouble)
	a := NewAdapter(cap)

	cap.On("LatestBlockNumber", mock.Anything).Return(0, NewError(Unavailable, "cold start")).Once()
	cap.On("LatestBlockNumber", mock.Anything).Return(42, nil).Once()

	n, err := a.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	cap.AssertExpectations(t)
}

func TestAdapterDoesNotRetryMismatch(t *testing.T) {
	cap := new(TestDouble)
	a := NewAdapter(cap)

	cap.On("FinalizedBlockNumber", mock.Anything).Return(0, NewError(Mismatch, "state root diverged")).Once()

	_, err := a.FinalizedBlockNumber(context.Background())
	require.Error(t, err)
	cap.AssertExpectations(t)
}
