// Package persist models the durable state of a simulated server:
// the serialized consensus log state and the latest service snapshot.
// Durability here is memory-backed on purpose. What the harness cares
// about is continuity, not media: a restarted server must be handed
// exactly the bytes its predecessor last saved, and a superseded
// instance must not be able to mutate the bytes the successor started
// from. Clone supports that copy-on-handoff.
package persist

import "sync"

// Persister holds one server's durable bytes.
type Persister struct {
	mu        sync.Mutex
	raftstate []byte
	snapshot  []byte
}

func New() *Persister {
	return &Persister{}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Clone returns a new Persister seeded with a copy of the current
// contents. Writes to either side after the call are invisible to the
// other.
func (ps *Persister) Clone() *Persister {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return &Persister{
		raftstate: clone(ps.raftstate),
		snapshot:  clone(ps.snapshot),
	}
}

// SaveRaftState overwrites the consensus log state bytes.
func (ps *Persister) SaveRaftState(state []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.raftstate = clone(state)
}

// Save overwrites log state and snapshot together, as one atomic
// durable write.
func (ps *Persister) Save(state []byte, snapshot []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.raftstate = clone(state)
	ps.snapshot = clone(snapshot)
}

func (ps *Persister) ReadRaftState() []byte {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return clone(ps.raftstate)
}

func (ps *Persister) RaftStateSize() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.raftstate)
}

func (ps *Persister) ReadSnapshot() []byte {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return clone(ps.snapshot)
}

func (ps *Persister) SnapshotSize() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.snapshot)
}
