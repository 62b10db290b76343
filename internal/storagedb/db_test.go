// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package storagedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetBlock(t *testing.T) {
	db := openTestDB(t)
	id := []byte("block-1")
	require.NoError(t, db.PutBlock(id, []byte("data")))

	got, err := db.GetBlock(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	_, err = db.GetBlock([]byte("missing"))
	assert.True(t, IsNotFound(err))
}

func TestQCGarbageCollection(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.PutQC(1, []byte("b1"), []byte("qc1")))
	require.NoError(t, db.PutQC(5, []byte("b5"), []byte("qc5")))
	require.NoError(t, db.PutQC(10, []byte("b10"), []byte("qc10")))

	require.NoError(t, db.DeleteQCsBelow(6))

	_, err := db.GetQC(1, []byte("b1"))
	assert.True(t, IsNotFound(err))
	_, err = db.GetQC(5, []byte("b5"))
	assert.True(t, IsNotFound(err))
	got, err := db.GetQC(10, []byte("b10"))
	require.NoError(t, err)
	assert.Equal(t, []byte("qc10"), got)
}

func TestSingleEntryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.PutSingleEntry(EntryLastVote, []byte("round-7")))
	got, err := db.GetSingleEntry(EntryLastVote)
	require.NoError(t, err)
	assert.Equal(t, []byte("round-7"), got)
}

func TestBatchCommitAtomic(t *testing.T) {
	db := openTestDB(t)
	b := NewBatch()
	b.PutBlock([]byte("b1"), []byte("data1"))
	b.PutQC(1, []byte("b1"), []byte("qc1"))
	b.PutSingleEntry(EntryEpochInfo, []byte("epoch-2"))
	require.NoError(t, db.Commit(b))

	_, err := db.GetBlock([]byte("b1"))
	require.NoError(t, err)
	_, err = db.GetQC(1, []byte("b1"))
	require.NoError(t, err)
	_, err = db.GetSingleEntry(EntryEpochInfo)
	require.NoError(t, err)
}

func TestWaypointFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waypoint.json")
	w := &Waypoint{Epoch: 3, GenesisBlockID: []byte("g"), ValidatorSetDigest: []byte("d")}
	require.NoError(t, WriteWaypointFile(path, w))

	got, err := ReadWaypointFile(path)
	require.NoError(t, err)
	assert.Equal(t, w.Epoch, got.Epoch)
	assert.Equal(t, w.GenesisBlockID, got.GenesisBlockID)
}
