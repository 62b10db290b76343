// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

// Package validator holds the validator set for an epoch and the leader
// rotation function the Round State Machine consults each round (spec §4.3).
package validator

import (
	"math"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
)

// Info describes one validator's identity and voting power within an epoch.
type Info struct {
	PublicKey *crypto.PublicKey
	Power     uint64 // voting power; 1 for one-validator-one-vote sets
}

// MajorityCount returns ceil((2n+1)/3), i.e. 2f+1 for n=3f+1.
func MajorityCount(n int) int {
	return int(math.Ceil(float64(2*n+1) / 3))
}

// Set is the validator set effective for one epoch.
type Set struct {
	epoch      uint64
	validators []Info
	index      map[string]int
	totalPower uint64
}

// NewSet builds a Set for epoch from an ordered validator list. Order
// matters: it defines leader-rotation indices.
func NewSet(epoch uint64, validators []Info) *Set {
	idx := make(map[string]int, len(validators))
	var total uint64
	for i, v := range validators {
		idx[v.PublicKey.String()] = i
		total += v.Power
	}
	return &Set{epoch: epoch, validators: validators, index: idx, totalPower: total}
}

// Epoch returns the epoch this set governs.
func (s *Set) Epoch() uint64 { return s.epoch }

// Count returns the number of validators.
func (s *Set) Count() int { return len(s.validators) }

// MajorityCount returns the 2f+1 quorum size for this set.
func (s *Set) MajorityCount() int { return MajorityCount(len(s.validators)) }

// FaultyCount returns the maximum tolerated Byzantine validators f.
func (s *Set) FaultyCount() int {
	n := len(s.validators)
	return n - MajorityCount(n)
}

// IsValidator reports whether pubKey belongs to this set.
func (s *Set) IsValidator(pubKey *crypto.PublicKey) bool {
	_, ok := s.index[pubKey.String()]
	return ok
}

// IndexOf returns the validator's position in the set, if present.
func (s *Set) IndexOf(pubKey *crypto.PublicKey) (int, bool) {
	i, ok := s.index[pubKey.String()]
	return i, ok
}

// At returns the validator at position idx.
func (s *Set) At(idx int) Info { return s.validators[idx] }

// All returns every validator in the set, in rotation order.
func (s *Set) All() []Info {
	out := make([]Info, len(s.validators))
	copy(out, s.validators)
	return out
}

// LeaderPolicy selects the leader index for a round.
type LeaderPolicy int

const (
	// RoundRobin rotates through validators in order, one per round.
	RoundRobin LeaderPolicy = iota
	// WeightedByPower selects a leader with probability proportional to
	// voting power using a deterministic (round, epoch)-seeded index, so
	// every honest node computes the same leader without a VRF.
	WeightedByPower
)

// Leader computes leader(round, epoch, validator_set) per spec §4.3.
func (s *Set) Leader(round uint64, policy LeaderPolicy) int {
	n := len(s.validators)
	if n == 0 {
		return 0
	}
	switch policy {
	case WeightedByPower:
		return s.weightedLeader(round)
	default:
		return int(round % uint64(n))
	}
}

func (s *Set) weightedLeader(round uint64) int {
	if s.totalPower == 0 {
		return int(round % uint64(len(s.validators)))
	}
	seed := deterministicSeed(s.epoch, round)
	target := seed % s.totalPower
	var cum uint64
	for i, v := range s.validators {
		cum += v.Power
		if target < cum {
			return i
		}
	}
	return len(s.validators) - 1
}

// deterministicSeed mixes epoch and round without relying on hashing
// external randomness; callers needing unpredictability should combine
// this with DKG-derived per-block randomness carried opaquely on the block
// header (spec §9) rather than rely on this function for unguessability.
func deterministicSeed(epoch, round uint64) uint64 {
	x := epoch*1000003 + round
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return x
}
