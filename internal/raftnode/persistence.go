package raftnode

import (
	"fmt"
	"math"

	json "github.com/goccy/go-json"
	gogoproto "github.com/gogo/protobuf/proto"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// logState is the serialized form of a node's durable consensus state,
// stored as one blob in the Persister. Fields hold proto-marshaled
// raftpb values.
type logState struct {
	HardState []byte   `json:"hard_state,omitempty"`
	ConfState []byte   `json:"conf_state,omitempty"`
	Entries   [][]byte `json:"entries,omitempty"`
}

// persistLocked serializes hard state, conf state, the retained log
// suffix, and the storage snapshot into the Persister as one save.
// Callers hold r.mu.
func (r *Raft) persistLocked() error {
	st := logState{}

	if !etcdraft.IsEmptyHardState(r.hardState) {
		b, err := gogoproto.Marshal(&r.hardState)
		if err != nil {
			return fmt.Errorf("marshal hard state: %w", err)
		}
		st.HardState = b
	}

	b, err := gogoproto.Marshal(&r.confState)
	if err != nil {
		return fmt.Errorf("marshal conf state: %w", err)
	}
	st.ConfState = b

	first, err := r.storage.FirstIndex()
	if err != nil {
		return err
	}
	last, err := r.storage.LastIndex()
	if err != nil {
		return err
	}
	if last >= first {
		ents, err := r.storage.Entries(first, last+1, math.MaxUint64)
		if err != nil {
			return fmt.Errorf("read entries [%d,%d]: %w", first, last, err)
		}
		st.Entries = make([][]byte, 0, len(ents))
		for i := range ents {
			eb, err := gogoproto.Marshal(&ents[i])
			if err != nil {
				return fmt.Errorf("marshal entry %d: %w", ents[i].Index, err)
			}
			st.Entries = append(st.Entries, eb)
		}
	}

	state, err := json.Marshal(&st)
	if err != nil {
		return err
	}

	var snapBytes []byte
	snap, err := r.storage.Snapshot()
	if err == nil && !etcdraft.IsEmptySnap(snap) {
		snapBytes, err = gogoproto.Marshal(&snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
	}

	r.ps.Save(state, snapBytes)
	return nil
}

// restore rebuilds MemoryStorage from the Persister. It returns true
// when any previous state was loaded, which decides RestartNode versus
// StartNode.
func (r *Raft) restore() (bool, error) {
	loaded := false

	if b := r.ps.ReadSnapshot(); len(b) > 0 {
		var snap raftpb.Snapshot
		if err := gogoproto.Unmarshal(b, &snap); err != nil {
			return loaded, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		if !etcdraft.IsEmptySnap(snap) {
			if err := r.storage.ApplySnapshot(snap); err != nil {
				return loaded, fmt.Errorf("apply snapshot: %w", err)
			}
			r.confState = snap.Metadata.ConfState
			r.snapIndex = snap.Metadata.Index
			r.applied = snap.Metadata.Index
			loaded = true
		}
	}

	b := r.ps.ReadRaftState()
	if len(b) == 0 {
		return loaded, nil
	}
	var st logState
	if err := json.Unmarshal(b, &st); err != nil {
		return loaded, fmt.Errorf("unmarshal log state: %w", err)
	}

	if len(st.HardState) > 0 {
		var hs raftpb.HardState
		if err := gogoproto.Unmarshal(st.HardState, &hs); err != nil {
			return loaded, fmt.Errorf("unmarshal hard state: %w", err)
		}
		if !etcdraft.IsEmptyHardState(hs) {
			if err := r.storage.SetHardState(hs); err != nil {
				return loaded, err
			}
			r.hardState = hs
			loaded = true
		}
	}

	if len(st.ConfState) > 0 && r.snapIndex == 0 {
		var cs raftpb.ConfState
		if err := gogoproto.Unmarshal(st.ConfState, &cs); err != nil {
			return loaded, fmt.Errorf("unmarshal conf state: %w", err)
		}
		r.confState = cs
	}

	if len(st.Entries) > 0 {
		ents := make([]raftpb.Entry, 0, len(st.Entries))
		for _, eb := range st.Entries {
			var e raftpb.Entry
			if err := gogoproto.Unmarshal(eb, &e); err != nil {
				return loaded, fmt.Errorf("unmarshal entry: %w", err)
			}
			ents = append(ents, e)
		}
		if err := r.storage.Append(ents); err != nil {
			return loaded, fmt.Errorf("append entries: %w", err)
		}
		loaded = true
	}

	return loaded, nil
}
