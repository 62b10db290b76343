// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package netmsg

import (
	"fmt"

	"github.com/gravity-sdk/consensus-core/internal/crypto"
	"github.com/gravity-sdk/consensus-core/internal/emitter"
	"github.com/gravity-sdk/consensus-core/internal/logger"
	"github.com/gravity-sdk/consensus-core/internal/pipeline"
	"github.com/gravity-sdk/consensus-core/internal/quorumstore"
	"github.com/gravity-sdk/consensus-core/internal/recovery"
	"github.com/gravity-sdk/consensus-core/internal/rsm"
	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// QuorumReceiver is internal/quorumstore.Store's push-style inbound
// surface; quorumstore never needed a Subscribe side since every message
// there is handled synchronously by the caller, so Service dispatches
// directly into it instead of through an emitter.
type QuorumReceiver interface {
	ReceiveShard(author *crypto.PublicKey, digest []byte, shardIdx int, shard []byte, totalShards, dataShards, size int, expirationRound uint64) error
	ReceiveReceipt(receipt wire.BatchReceipt) error
	ReceivePoAv(poav *wire.ProofOfAvailability) error
}

// Service is the consensus core's one transport-facing type, implementing
// rsm.MsgService, pipeline.MsgService, quorumstore.MsgService and
// recovery.MsgService over a Host, generalizing juria's p2p.MsgService
// (type-tagged dispatch table plus per-message emitters) from protobuf
// envelopes to the msgpack Envelope in envelope.go.
type Service struct {
	host *Host

	proposalEmitter    *emitter.Emitter
	voteEmitter        *emitter.Emitter
	timeoutEmitter     *emitter.Emitter
	tcEmitter          *emitter.Emitter
	attestationEmitter *emitter.Emitter
	fetchReqEmitter    *emitter.Emitter
	fetchRespEmitter   *emitter.Emitter

	quorum QuorumReceiver
}

var (
	_ rsm.MsgService        = (*Service)(nil)
	_ pipeline.MsgService   = (*Service)(nil)
	_ quorumstore.MsgService = (*Service)(nil)
	_ recovery.MsgService   = (*Service)(nil)
)

// NewService wraps host, dispatching every inbound frame from every
// connected (and future) peer into the right emitter or QuorumReceiver
// call.
func NewService(host *Host) *Service {
	svc := &Service{
		host:               host,
		proposalEmitter:    emitter.New(),
		voteEmitter:        emitter.New(),
		timeoutEmitter:     emitter.New(),
		tcEmitter:          emitter.New(),
		attestationEmitter: emitter.New(),
		fetchReqEmitter:    emitter.New(),
		fetchRespEmitter:   emitter.New(),
	}
	host.SetPeerAddedHandler(svc.onAddedPeer)
	for _, p := range host.PeerStore().List() {
		go svc.handlePeerMsg(p)
	}
	return svc
}

// SetQuorumReceiver wires quorumstore's push-style inbound handlers in.
func (svc *Service) SetQuorumReceiver(q QuorumReceiver) { svc.quorum = q }

func (svc *Service) onAddedPeer(p *Peer) {
	go svc.handlePeerMsg(p)
}

func (svc *Service) handlePeerMsg(p *Peer) {
	sub := p.SubscribeMsg()
	defer sub.Unsubscribe()
	for e := range sub.Events() {
		svc.dispatch(p, e.([]byte))
	}
}

func (svc *Service) dispatch(from *Peer, raw []byte) {
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		logger.I().Warnw("netmsg: dropping malformed envelope", "error", err)
		return
	}
	switch env.Type {
	case MsgProposal:
		blk, err := wire.UnmarshalBlock(env.Payload)
		if err == nil {
			svc.proposalEmitter.Emit(blk)
		}
	case MsgVote:
		vote, err := wire.UnmarshalVote(env.Payload)
		if err == nil {
			svc.voteEmitter.Emit(vote)
		}
	case MsgTimeout:
		var tvm TimeoutVoteMsg
		if err := wire.Unmarshal(env.Payload, &tvm); err == nil {
			tv, err := toTimeoutVote(tvm)
			if err == nil {
				svc.timeoutEmitter.Emit(tv)
			}
		}
	case MsgTC:
		tc, err := wire.UnmarshalTC(env.Payload)
		if err == nil {
			svc.tcEmitter.Emit(tc)
		}
	case MsgAttestation:
		var am AttestationMsg
		if err := wire.Unmarshal(env.Payload, &am); err == nil {
			svc.attestationEmitter.Emit(pipeline.Attestation{
				BlockID:    am.BlockID,
				Round:      am.Round,
				ExecDigest: am.ExecDigest,
				PartialSig: am.PartialSig,
				SignerIdx:  am.SignerIdx,
			})
		}
	case MsgShard:
		var sm ShardMsg
		if err := wire.Unmarshal(env.Payload, &sm); err == nil && svc.quorum != nil {
			author, err := crypto.NewPublicKey(sm.Author)
			if err == nil {
				if err := svc.quorum.ReceiveShard(author, sm.Digest, sm.ShardIdx, sm.Shard, sm.TotalShards, sm.DataShards, sm.Size, sm.ExpirationRound); err != nil {
					logger.I().Warnw("netmsg: receive shard rejected", "error", err)
				}
			}
		}
	case MsgReceipt:
		var receipt wire.BatchReceipt
		if err := wire.Unmarshal(env.Payload, &receipt); err == nil && svc.quorum != nil {
			if err := svc.quorum.ReceiveReceipt(receipt); err != nil {
				logger.I().Warnw("netmsg: receive receipt rejected", "error", err)
			}
		}
	case MsgPoAv:
		poav, err := wire.UnmarshalProofOfAvailability(env.Payload)
		if err == nil && svc.quorum != nil {
			if err := svc.quorum.ReceivePoAv(poav); err != nil {
				logger.I().Warnw("netmsg: receive poav rejected", "error", err)
			}
		}
	case MsgFetchRequest:
		req, err := wire.UnmarshalFetchRequest(env.Payload)
		if err == nil {
			svc.fetchReqEmitter.Emit(recovery.InboundRequest{From: from.PublicKey(), Req: req})
		}
	case MsgFetchResponse:
		resp, err := wire.UnmarshalFetchResponse(env.Payload)
		if err == nil {
			svc.fetchRespEmitter.Emit(recovery.InboundResponse{From: from.PublicKey(), Resp: resp})
		}
	}
}

func toTimeoutVote(tvm TimeoutVoteMsg) (rsm.TimeoutVote, error) {
	sig, err := crypto.NewSignature(tvm.SigValue, tvm.Voter)
	if err != nil {
		return rsm.TimeoutVote{}, err
	}
	return rsm.TimeoutVote{Round: tvm.Round, Epoch: tvm.Epoch, Voter: tvm.Voter, Sig: sig, HighestQC: tvm.HighestQC}, nil
}

func (svc *Service) broadcast(t MsgType, v interface{}) error {
	data, err := marshalEnvelope(t, v)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range svc.host.PeerStore().List() {
		if err := p.WriteMsg(data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (svc *Service) sendTo(to *crypto.PublicKey, t MsgType, v interface{}) error {
	p := svc.host.PeerStore().Load(to.String())
	if p == nil {
		return fmt.Errorf("netmsg: peer %s not found", to.String())
	}
	data, err := marshalEnvelope(t, v)
	if err != nil {
		return err
	}
	return p.WriteMsg(data)
}

// --- internal/rsm.MsgService ---

func (svc *Service) BroadcastProposal(blk *wire.Block) error {
	return svc.broadcast(MsgProposal, blk)
}

func (svc *Service) SendVote(to *crypto.PublicKey, vote *wire.Vote) error {
	return svc.sendTo(to, MsgVote, vote)
}

func (svc *Service) BroadcastTimeout(tv rsm.TimeoutVote) error {
	return svc.broadcast(MsgTimeout, TimeoutVoteMsg{
		Round: tv.Round, Epoch: tv.Epoch, Voter: tv.Voter,
		SigValue: tv.Sig.Value(), HighestQC: tv.HighestQC,
	})
}

func (svc *Service) BroadcastTC(tc *wire.TC) error {
	return svc.broadcast(MsgTC, tc)
}

func (svc *Service) SubscribeProposal(buffer int) *emitter.Subscription { return svc.proposalEmitter.Subscribe(buffer) }
func (svc *Service) SubscribeVote(buffer int) *emitter.Subscription     { return svc.voteEmitter.Subscribe(buffer) }
func (svc *Service) SubscribeTimeout(buffer int) *emitter.Subscription  { return svc.timeoutEmitter.Subscribe(buffer) }
func (svc *Service) SubscribeTC(buffer int) *emitter.Subscription       { return svc.tcEmitter.Subscribe(buffer) }

// --- internal/pipeline.MsgService ---

func (svc *Service) BroadcastAttestation(att pipeline.Attestation) error {
	return svc.broadcast(MsgAttestation, AttestationMsg{
		BlockID: att.BlockID, Round: att.Round, ExecDigest: att.ExecDigest,
		PartialSig: att.PartialSig, SignerIdx: att.SignerIdx,
	})
}

func (svc *Service) SubscribeAttestation(buffer int) *emitter.Subscription {
	return svc.attestationEmitter.Subscribe(buffer)
}

// --- internal/quorumstore.MsgService ---

func (svc *Service) SendShard(to *crypto.PublicKey, author *crypto.PublicKey, digest []byte, shardIdx int, shard []byte, totalShards, dataShards, size int, expirationRound uint64) error {
	return svc.sendTo(to, MsgShard, ShardMsg{
		Author: author.Bytes(), Digest: digest, ShardIdx: shardIdx, Shard: shard,
		TotalShards: totalShards, DataShards: dataShards, Size: size, ExpirationRound: expirationRound,
	})
}

func (svc *Service) SendReceipt(to *crypto.PublicKey, receipt wire.BatchReceipt) error {
	return svc.sendTo(to, MsgReceipt, receipt)
}

func (svc *Service) BroadcastPoAv(poav *wire.ProofOfAvailability) error {
	return svc.broadcast(MsgPoAv, poav)
}

// --- internal/recovery.MsgService ---

func (svc *Service) SendFetchRequest(to *crypto.PublicKey, req *wire.FetchRequest) error {
	return svc.sendTo(to, MsgFetchRequest, req)
}

func (svc *Service) SendFetchResponse(to *crypto.PublicKey, resp *wire.FetchResponse) error {
	return svc.sendTo(to, MsgFetchResponse, resp)
}

func (svc *Service) SubscribeFetchRequest(buffer int) *emitter.Subscription {
	return svc.fetchReqEmitter.Subscribe(buffer)
}

func (svc *Service) SubscribeFetchResponse(buffer int) *emitter.Subscription {
	return svc.fetchRespEmitter.Subscribe(buffer)
}
