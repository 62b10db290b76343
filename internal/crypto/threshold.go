// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package crypto

import (
	"errors"

	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

// ErrNotEnoughShares is returned when recovering a group signature from
// fewer than the threshold partial signatures.
var ErrNotEnoughShares = errors.New("crypto: not enough partial signatures")

// ThresholdScheme aggregates 2f+1 partial signatures from a validator set
// into a single group signature. The Pipeline Coordinator uses it for the
// execution-attestation quorum behind a block's LedgerInfo; QuorumCert,
// TimeoutCertificate and PoAv carry per-signer signature lists instead. This
// mirrors gitzhang10/BFT's per-validator (TsPublicKey, TsPrivateKey) pair
// generated by a one-time DKG/trusted dealer at genesis.
type ThresholdScheme struct {
	suite   *bn256.Suite
	pubPoly *share.PubPoly
	// threshold is the minimum number of partial signatures required to
	// recover a valid group signature; callers pass the epoch's 2f+1.
	threshold int
}

// NewThresholdScheme wraps an existing public commitment polynomial (as
// produced by the DKG capability the consensus core treats as external,
// per spec §9 "Randomness/DKG interaction").
func NewThresholdScheme(pubPoly *share.PubPoly, threshold int) *ThresholdScheme {
	return &ThresholdScheme{
		suite:     bn256.NewSuite(),
		pubPoly:   pubPoly,
		threshold: threshold,
	}
}

// ValidatorShare is a single validator's private share of the group key.
type ValidatorShare struct {
	suite *bn256.Suite
	share *share.PriShare
}

// NewValidatorShare wraps a validator's private share, produced out-of-band
// by the DKG/trusted-dealer ceremony.
func NewValidatorShare(priShare *share.PriShare) *ValidatorShare {
	return &ValidatorShare{suite: bn256.NewSuite(), share: priShare}
}

// SignPartial produces this validator's partial signature over msg (e.g. a
// block hash or a ledger-info digest for the attestation quorum, §4.5).
func (vs *ValidatorShare) SignPartial(msg []byte) ([]byte, error) {
	return tbls.Sign(vs.suite, vs.share, msg)
}

// Index returns the validator's share index within the polynomial.
func (vs *ValidatorShare) Index() int {
	return vs.share.I
}

// Recover aggregates partial signatures into a single group signature once
// at least the threshold count has been collected.
func (ts *ThresholdScheme) Recover(msg []byte, partials [][]byte, n int) ([]byte, error) {
	if len(partials) < ts.threshold {
		return nil, ErrNotEnoughShares
	}
	return tbls.Recover(ts.suite, ts.pubPoly, msg, partials, ts.threshold, n)
}

// Verify checks a recovered group signature against the group public key.
func (ts *ThresholdScheme) Verify(msg, groupSig []byte) error {
	return bls.Verify(ts.suite, ts.pubPoly.Commit(), msg, groupSig)
}
