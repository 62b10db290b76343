// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package gcei

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/gravity-sdk/consensus-core/internal/wire"
)

// opcode tags each request the same way gitzhang10's conn/net_transport.go
// tags its gossip messages: one leading byte, read before the msgpack body
// so the receiver knows which struct to decode into.
type opcode uint8

const (
	opSendPendingTxns opcode = iota
	opRecvOrderedBlock
	opSendExecutedBlockHash
	opCommitBlockInfo
	opLatestBlockNumber
	opFinalizedBlockNumber
	opRecoverOrderedBlock
	opRegisterExecutionArgs
)

func mh() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = false
	return h
}

// wireError is Error's wire shape. Error's Kind and Detail are exported
// fields codec could encode directly; this type states the encoded field
// names explicitly instead of relying on that.
type wireError struct {
	Kind   uint8  `codec:"kind"`
	Detail string `codec:"detail"`
}

type envelope struct {
	Err *wireError `codec:"err,omitempty"`
}

// IPCClient drives GCEI as a client over a single framed net.Conn: each
// call writes an opcode byte then a msgpack-encoded request, and reads a
// msgpack-encoded envelope followed by the response value — the same
// opcode-prefixed streaming shape as gitzhang10's NetworkTransport, adapted
// from its async push bus to a synchronous call/reply protocol since GCEI
// calls are not fire-and-forget.
type IPCClient struct {
	mtx  sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	enc  *codec.Encoder
	dec  *codec.Decoder
}

// NewIPCClient wraps an already-dialed connection to the execution layer's
// GCEI server.
func NewIPCClient(conn net.Conn) *IPCClient {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	return &IPCClient{
		conn: conn,
		r:    r,
		w:    w,
		enc:  codec.NewEncoder(w, mh()),
		dec:  codec.NewDecoder(r, mh()),
	}
}

var _ Capability = (*IPCClient)(nil)

// Close tears down the underlying connection.
func (c *IPCClient) Close() error { return c.conn.Close() }

func (c *IPCClient) call(op opcode, req, resp interface{}) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, err := c.w.Write([]byte{byte(op)}); err != nil {
		return NewError(Unavailable, err.Error())
	}
	if err := c.enc.Encode(req); err != nil {
		return NewError(Unavailable, err.Error())
	}
	if err := c.w.Flush(); err != nil {
		return NewError(Unavailable, err.Error())
	}

	var env envelope
	if err := c.dec.Decode(&env); err != nil {
		return NewError(Unavailable, err.Error())
	}
	if env.Err != nil {
		return &Error{Kind: ErrKind(env.Err.Kind), Detail: env.Err.Detail}
	}
	if resp == nil {
		return nil
	}
	if err := c.dec.Decode(resp); err != nil {
		return NewError(Invalid, fmt.Sprintf("decoding response: %v", err))
	}
	return nil
}

type sendPendingTxnsReq struct{}
type sendPendingTxnsResp struct {
	Txns []wire.PendingTxn `codec:"txns"`
}

func (c *IPCClient) SendPendingTxns(ctx context.Context) ([]wire.PendingTxn, error) {
	var resp sendPendingTxnsResp
	if err := c.call(opSendPendingTxns, &sendPendingTxnsReq{}, &resp); err != nil {
		return nil, err
	}
	return resp.Txns, nil
}

type recvOrderedBlockReq struct {
	ParentID []byte            `codec:"parent_id"`
	Block    *wire.OrderedBlock `codec:"block"`
}

func (c *IPCClient) RecvOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error {
	return c.call(opRecvOrderedBlock, &recvOrderedBlockReq{ParentID: parentID, Block: ob}, nil)
}

type sendExecutedBlockHashReq struct {
	BlockNumber uint64 `codec:"block_number"`
	BlockID     []byte `codec:"block_id"`
}

func (c *IPCClient) SendExecutedBlockHash(ctx context.Context, blockNumber uint64, blockID []byte) (*wire.ComputeRes, error) {
	resp := new(wire.ComputeRes)
	if err := c.call(opSendExecutedBlockHash, &sendExecutedBlockHashReq{BlockNumber: blockNumber, BlockID: blockID}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type commitBlockInfoReq struct {
	BlockIDs [][]byte `codec:"block_ids"`
}

func (c *IPCClient) CommitBlockInfo(ctx context.Context, blockIDs [][]byte) error {
	return c.call(opCommitBlockInfo, &commitBlockInfoReq{BlockIDs: blockIDs}, nil)
}

type blockNumberResp struct {
	Number uint64 `codec:"number"`
}

func (c *IPCClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var resp blockNumberResp
	if err := c.call(opLatestBlockNumber, struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Number, nil
}

func (c *IPCClient) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	var resp blockNumberResp
	if err := c.call(opFinalizedBlockNumber, struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Number, nil
}

func (c *IPCClient) RecoverOrderedBlock(ctx context.Context, parentID []byte, ob *wire.OrderedBlock) error {
	return c.call(opRecoverOrderedBlock, &recvOrderedBlockReq{ParentID: parentID, Block: ob}, nil)
}

type registerExecutionArgsReq struct {
	Epoch           uint64 `codec:"epoch"`
	GenesisWaypoint []byte `codec:"genesis_waypoint"`
}

func (c *IPCClient) RegisterExecutionArgs(ctx context.Context, args ExecutionArgs) error {
	req := &registerExecutionArgsReq{Epoch: args.Epoch, GenesisWaypoint: args.GenesisWaypoint}
	return c.call(opRegisterExecutionArgs, req, nil)
}
