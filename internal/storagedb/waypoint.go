// Copyright (C) 2021 Aung Maw
// Licensed under the GNU General Public License v3.0

package storagedb

import (
	"os"

	jsoniter "github.com/json-iterator/go"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// Waypoint pins a trusted commitment to an epoch's starting state, used to
// bootstrap a joining node (spec glossary "Waypoint"; supplemented from
// original_source's aptos-core lineage, which ships an equivalent waypoint
// file alongside genesis).
type Waypoint struct {
	Epoch             uint64 `json:"epoch"`
	GenesisBlockID    []byte `json:"genesis_block_id"`
	ValidatorSetDigest []byte `json:"validator_set_digest"`
}

// WriteWaypointFile persists w to path as JSON.
func WriteWaypointFile(path string, w *Waypoint) error {
	data, err := jsonFast.Marshal(w)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadWaypointFile loads a Waypoint from path.
func ReadWaypointFile(path string) (*Waypoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w := new(Waypoint)
	if err := jsonFast.Unmarshal(data, w); err != nil {
		return nil, err
	}
	return w, nil
}
