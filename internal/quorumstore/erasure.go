// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package quorumstore

import (
	"bytes"
	"errors"

	"github.com/klauspost/reedsolomon"
)

// ErrTooFewShards is returned when reconstruction is attempted with fewer
// than dataShards non-nil shards present.
var ErrTooFewShards = errors.New("quorumstore: too few shards to reconstruct")

// shardBatch erasure-codes data into total shards, of which any dataShards
// suffice to reconstruct it (spec §4.4 "Dissemination", supplemented per
// SPEC_FULL §4.4 with bandwidth-reducing erasure coding rather than full
// replication). dataShards is set to the epoch's 2f+1 majority size so any
// honest quorum of receivers can reconstruct the batch even if the
// remaining validators never acknowledge it.
func shardBatch(data []byte, dataShards, total int) ([][]byte, error) {
	if dataShards <= 0 || total <= dataShards {
		return nil, errors.New("quorumstore: invalid shard counts")
	}
	enc, err := reedsolomon.New(dataShards, total-dataShards)
	if err != nil {
		return nil, err
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// reconstructBatch rebuilds the original data from a possibly-incomplete
// set of shards (nil entries are missing), given the original byte length.
func reconstructBatch(shards [][]byte, dataShards, total, size int) ([]byte, error) {
	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < dataShards {
		return nil, ErrTooFewShards
	}
	enc, err := reedsolomon.New(dataShards, total-dataShards)
	if err != nil {
		return nil, err
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, size); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
