// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package wire

// Transaction is the opaque unit the execution layer produces and the
// consensus core orders; the consensus core never interprets its payload
// (EVM/state execution is explicitly out of scope, spec §1).
type Transaction struct {
	Hash           []byte `codec:"hash"`
	Sender         []byte `codec:"sender"`
	SenderNonce    uint64 `codec:"sender_nonce"`
	Payload        []byte `codec:"payload"`
}

// Marshal encodes the transaction.
func (t *Transaction) Marshal() ([]byte, error) { return Marshal(t) }

// UnmarshalTransaction decodes a transaction from bytes.
func UnmarshalTransaction(data []byte) (*Transaction, error) {
	t := new(Transaction)
	if err := Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

// PendingTxn pairs a pending transaction with the sender's last committed
// nonce, as returned by GCEI's send_pending_txns (spec §4.6).
type PendingTxn struct {
	Txn                   *Transaction `codec:"txn"`
	SenderCommittedNonce  uint64       `codec:"sender_committed_nonce"`
}

// OrderedBlock is what GCEI's recv_ordered_block hands to the execution
// layer: the finalized ordering for one block (spec §4.6).
type OrderedBlock struct {
	ID           []byte         `codec:"id"`
	Round        uint64         `codec:"round"`
	Transactions []*Transaction `codec:"txns"`
	Metadata     []byte         `codec:"metadata,omitempty"`
}

// ComputeRes is the execution layer's attestation of a block's result:
// state root + cumulative transaction count (spec §3 "ExecutionResult /
// ComputeRes", glossary "ComputeRes").
type ComputeRes struct {
	BlockID              []byte `codec:"block_id"`
	StateRootHash        []byte `codec:"state_root"`
	CumulativeTxnCount   uint64 `codec:"cumulative_txn_count"`
	ExecutionAttestation []byte `codec:"execution_attestation,omitempty"`
}

// Digest returns the bytes validators sign during attestation (spec §4.5).
func (c *ComputeRes) Digest() []byte {
	buf := make([]byte, 0, len(c.BlockID)+len(c.StateRootHash)+8)
	buf = append(buf, c.BlockID...)
	buf = append(buf, c.StateRootHash...)
	buf = append(buf, uint64ToBytes(c.CumulativeTxnCount)...)
	return buf
}
