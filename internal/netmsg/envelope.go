// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package netmsg

import "github.com/gravity-sdk/consensus-core/internal/wire"

// MsgType tags an Envelope's payload, generalizing p2p_pb.Message_Type
// into the larger set of messages this module's components exchange.
type MsgType uint8

const (
	MsgProposal MsgType = iota
	MsgVote
	MsgTimeout
	MsgTC
	MsgAttestation
	MsgShard
	MsgReceipt
	MsgPoAv
	MsgFetchRequest
	MsgFetchResponse
)

// Envelope is the one frame shape carried over the wire; Type picks which
// wire/local type Payload decodes as, the same tagged-union role
// p2p_pb.Message played with protobuf oneof semantics before this module
// standardized on msgpack (see DESIGN.md).
type Envelope struct {
	Type    MsgType `codec:"type"`
	Payload []byte  `codec:"payload"`
}

func marshalEnvelope(t MsgType, v interface{}) ([]byte, error) {
	payload, err := wire.Marshal(v)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(&Envelope{Type: t, Payload: payload})
}

func unmarshalEnvelope(b []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := wire.Unmarshal(b, env); err != nil {
		return nil, err
	}
	return env, nil
}

// ShardMsg wraps quorumstore's ReceiveShard parameters for transport,
// since internal/quorumstore never needed a wire type of its own (it
// always received shards as direct Go arguments within one process).
type ShardMsg struct {
	Author          []byte `codec:"author"`
	Digest          []byte `codec:"digest"`
	ShardIdx        int    `codec:"shard_idx"`
	Shard           []byte `codec:"shard"`
	TotalShards     int    `codec:"total_shards"`
	DataShards      int    `codec:"data_shards"`
	Size            int    `codec:"size"`
	ExpirationRound uint64 `codec:"expiration_round"`
}

// TimeoutVoteMsg mirrors internal/rsm.TimeoutVote's fields for transport;
// duplicated rather than imported since rsm.TimeoutVote carries a
// *crypto.Signature, which msgpack can't decode directly (it has no
// exported fields of its own), while this mirror carries the raw
// signature bytes the wire actually needs.
type TimeoutVoteMsg struct {
	Round        uint64  `codec:"round"`
	Epoch        uint64  `codec:"epoch"`
	Voter        []byte  `codec:"voter"`
	SigValue     []byte  `codec:"sig_value"`
	HighestQC    *wire.QC `codec:"highest_qc"`
}

// AttestationMsg mirrors internal/pipeline.Attestation's fields for
// transport.
type AttestationMsg struct {
	BlockID    []byte `codec:"block_id"`
	Round      uint64 `codec:"round"`
	ExecDigest []byte `codec:"exec_digest"`
	PartialSig []byte `codec:"partial_sig"`
	SignerIdx  int    `codec:"signer_idx"`
}
