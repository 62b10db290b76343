// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package wire

// SyncItem is one block/QC pair exchanged during Block Sync (spec §4.8),
// tagged with whether the sender holds it as committed rather than merely
// QCed.
type SyncItem struct {
	Block     *Block `codec:"block"`
	QC        *QC    `codec:"qc"`
	Committed bool   `codec:"committed"`
}

// FetchRequest asks a peer for the blocks (and their QCs) covering
// [FromRound, ToRound], issued once a peer's SyncInfo shows it ahead (spec
// §4.8 "Block Sync algorithm").
type FetchRequest struct {
	FromRound uint64 `codec:"from_round"`
	ToRound   uint64 `codec:"to_round"`
}

// Marshal encodes the request.
func (r *FetchRequest) Marshal() ([]byte, error) { return Marshal(r) }

// UnmarshalFetchRequest decodes a FetchRequest from bytes.
func UnmarshalFetchRequest(data []byte) (*FetchRequest, error) {
	r := new(FetchRequest)
	if err := Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// FetchResponse carries the items satisfying a FetchRequest, round-ascending.
type FetchResponse struct {
	Items []SyncItem `codec:"items"`
}

// Marshal encodes the response.
func (r *FetchResponse) Marshal() ([]byte, error) { return Marshal(r) }

// UnmarshalFetchResponse decodes a FetchResponse from bytes.
func UnmarshalFetchResponse(data []byte) (*FetchResponse, error) {
	r := new(FetchResponse)
	if err := Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}
