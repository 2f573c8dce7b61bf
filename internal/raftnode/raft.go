// Package raftnode runs one consensus node on top of the simulated
// network. It embeds an etcd/raft state machine, moves raftpb messages
// between peers as labnet RPCs, and keeps the node's durable state
// (hard state, log entries, snapshot) serialized into a Persister so
// the harness can crash and restart the node without losing acknowledged
// writes.
package raftnode

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gogoproto "github.com/gogo/protobuf/proto"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/raftbed/raftbed/internal/labnet"
	"github.com/raftbed/raftbed/internal/logging"
	"github.com/raftbed/raftbed/internal/persist"
)

const (
	tickInterval  = 50 * time.Millisecond
	heartbeatTick = 1
	electionTick  = 10
)

// ApplyMsg carries one committed command, or one installed snapshot,
// from the consensus log to the service layer.
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex uint64
	CommandTerm  uint64

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex uint64
	SnapshotTerm  uint64
}

// Raft is one consensus node. The exported RPC handler surface (Step)
// is registered with the network under the "Raft" service name; the
// rest of the API is for the service node wrapping it and for the
// harness.
type Raft struct {
	mu      sync.Mutex
	me      int // peer index
	id      uint64
	rn      etcdraft.Node
	storage *etcdraft.MemoryStorage
	ps      *persist.Persister

	transport Transport
	applyCh   chan<- ApplyMsg
	stopCh    chan struct{}
	wg        sync.WaitGroup

	hardState raftpb.HardState
	confState raftpb.ConfState
	applied   uint64
	snapIndex uint64

	// leader id as last observed via SoftState, for client hints.
	leaderHint atomic.Uint64

	dead atomic.Bool
}

// New builds and starts a consensus node. peers[j] is the outgoing
// endpoint to peer j (including an unused self entry at peers[me]); ps
// must hold exactly the bytes the previous incarnation last saved, or
// be empty on first boot.
func New(peers []*labnet.ClientEnd, me int, ps *persist.Persister, applyCh chan<- ApplyMsg) *Raft {
	r := &Raft{
		me:      me,
		id:      peerID(me),
		ps:      ps,
		applyCh: applyCh,
		stopCh:  make(chan struct{}),
		storage: etcdraft.NewMemoryStorage(),
	}
	r.transport = newLabTransport(r, peers)

	loaded, err := r.restore()
	if err != nil {
		slog.Error("raftnode: restoring persisted state failed",
			slog.Int("peer", me), slog.Any("error", err))
	}

	cfg := &etcdraft.Config{
		ID:              r.id,
		ElectionTick:    electionTick,
		HeartbeatTick:   heartbeatTick,
		Storage:         r.storage,
		Applied:         r.applied,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		// A leader cut off from the majority must stop claiming
		// leadership, and a rejoining node must not disrupt a settled
		// term. Both matter under harness partitions.
		CheckQuorum: true,
		PreVote:     true,
		Logger:      &discardLogger{},
	}

	if loaded {
		r.rn = etcdraft.RestartNode(cfg)
	} else {
		members := make([]etcdraft.Peer, len(peers))
		for j := range peers {
			members[j] = etcdraft.Peer{ID: peerID(j)}
		}
		r.rn = etcdraft.StartNode(cfg, members)
	}

	r.wg.Add(2)
	go r.tickLoop()
	go r.readyLoop()
	return r
}

// peerID maps a harness peer index to a raft node ID (0 is reserved).
func peerID(i int) uint64 { return uint64(i) + 1 }

func (r *Raft) tickLoop() {
	defer r.wg.Done()
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.rn.Tick()
		}
	}
}

func (r *Raft) readyLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case rd := <-r.rn.Ready():
			r.handleReady(rd)
		}
	}
}

func (r *Raft) handleReady(rd etcdraft.Ready) {
	if rd.SoftState != nil {
		r.leaderHint.Store(rd.SoftState.Lead)
	}

	// Durability first: hard state, new entries, and any incoming
	// snapshot must hit the persister before a message referring to
	// them can leave this node.
	r.mu.Lock()
	if !etcdraft.IsEmptyHardState(rd.HardState) {
		r.hardState = rd.HardState
	}
	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		if err := r.storage.ApplySnapshot(rd.Snapshot); err != nil {
			slog.Error("raftnode: apply snapshot failed",
				slog.Int("peer", r.me), slog.Any("error", err))
		}
		r.confState = rd.Snapshot.Metadata.ConfState
		r.snapIndex = rd.Snapshot.Metadata.Index
		r.applied = rd.Snapshot.Metadata.Index
	}
	if len(rd.Entries) > 0 {
		if err := r.storage.Append(rd.Entries); err != nil {
			slog.Error("raftnode: append entries failed",
				slog.Int("peer", r.me), slog.Any("error", err))
		}
	}
	if err := r.persistLocked(); err != nil {
		slog.Error("raftnode: persist failed",
			slog.Int("peer", r.me), slog.Any("error", err))
	}
	r.mu.Unlock()

	r.transport.Send(context.Background(), rd.Messages)

	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		msg := ApplyMsg{
			SnapshotValid: true,
			Snapshot:      rd.Snapshot.Data,
			SnapshotIndex: rd.Snapshot.Metadata.Index,
			SnapshotTerm:  rd.Snapshot.Metadata.Term,
		}
		select {
		case r.applyCh <- msg:
		case <-r.stopCh:
			return
		}
	}

	for _, ent := range rd.CommittedEntries {
		switch ent.Type {
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := gogoproto.Unmarshal(ent.Data, &cc); err == nil {
				r.mu.Lock()
				r.confState = *r.rn.ApplyConfChange(cc)
				r.mu.Unlock()
			}
		case raftpb.EntryNormal:
			if len(ent.Data) == 0 {
				break // empty entry appended on leadership change
			}
			msg := ApplyMsg{
				CommandValid: true,
				Command:      ent.Data,
				CommandIndex: ent.Index,
				CommandTerm:  ent.Term,
			}
			select {
			case r.applyCh <- msg:
			case <-r.stopCh:
				return
			}
		}
		r.mu.Lock()
		if ent.Index > r.applied {
			r.applied = ent.Index
		}
		r.mu.Unlock()
	}

	r.rn.Advance()
}

// Step is the RPC handler peers call to deliver a raft message. Data
// is a proto-marshaled raftpb.Message.
func (r *Raft) Step(args *StepArgs, reply *StepReply) {
	if r.dead.Load() {
		return
	}
	var m raftpb.Message
	if err := gogoproto.Unmarshal(args.Data, &m); err != nil {
		slog.Error("raftnode: unmarshal of raft message failed",
			slog.Int("peer", r.me), slog.Any("error", err))
		return
	}
	if err := r.rn.Step(context.Background(), m); err != nil {
		logging.VInfo("raft", "step rejected",
			slog.Int("peer", r.me), slog.Any("error", err))
	}
}

// StepArgs carries one peer-to-peer raft message.
type StepArgs struct {
	Data []byte
}

// StepReply is empty; delivery is the only acknowledgement.
type StepReply struct{}

// Propose submits a command to the consensus log. It returns false if
// this node is not currently the leader or has been killed; true means
// the proposal entered the log pipeline, not that it committed.
func (r *Raft) Propose(cmd []byte) bool {
	if r.dead.Load() || !r.IsLeader() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.rn.Propose(ctx, cmd) == nil
}

// IsLeader reports whether this node currently believes it is leader.
func (r *Raft) IsLeader() bool {
	if r.dead.Load() {
		return false
	}
	return r.rn.Status().RaftState == etcdraft.StateLeader
}

// LeaderHint returns the peer index of the last observed leader, or -1.
func (r *Raft) LeaderHint() int {
	lead := r.leaderHint.Load()
	if lead == 0 {
		return -1
	}
	return int(lead) - 1
}

// Snapshot tells the node the service has captured its state through
// the given applied index, allowing the log to be compacted. The
// snapshot bytes become the durable service snapshot handed to a
// restarted instance.
func (r *Raft) Snapshot(index uint64, snapshot []byte) {
	if r.dead.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if index <= r.snapIndex {
		return
	}
	snap, err := r.storage.CreateSnapshot(index, &r.confState, snapshot)
	if err != nil {
		// ErrSnapOutOfDate: a newer snapshot already covers this index.
		logging.VInfo("raft", "snapshot skipped",
			slog.Int("peer", r.me), slog.Uint64("index", index), slog.Any("error", err))
		return
	}
	r.snapIndex = snap.Metadata.Index
	if err := r.storage.Compact(index); err != nil && err != etcdraft.ErrCompacted {
		slog.Error("raftnode: compact failed",
			slog.Int("peer", r.me), slog.Any("error", err))
	}
	if err := r.persistLocked(); err != nil {
		slog.Error("raftnode: persist after snapshot failed",
			slog.Int("peer", r.me), slog.Any("error", err))
	}
}

// ReadSnapshot returns the service snapshot currently held by the
// node's log storage, if any: the data the service layer should
// restore from before consuming the apply channel.
func (r *Raft) ReadSnapshot() (data []byte, index uint64, term uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, err := r.storage.Snapshot()
	if err != nil || etcdraft.IsEmptySnap(snap) {
		return nil, 0, 0
	}
	return snap.Data, snap.Metadata.Index, snap.Metadata.Term
}

// Kill stops the node. It is idempotent. In-flight RPC deliveries to a
// killed node are dropped by the Step guard rather than faulting.
func (r *Raft) Kill() {
	if r.dead.Swap(true) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	r.rn.Stop()
}

// Killed reports whether Kill has been called.
func (r *Raft) Killed() bool { return r.dead.Load() }

// discardLogger silences etcd/raft's internal logging; the harness
// observes the node through its own instrumentation instead.
type discardLogger struct{}

func (discardLogger) Debug(args ...any)                   {}
func (discardLogger) Debugf(format string, args ...any)   {}
func (discardLogger) Error(args ...any)                   {}
func (discardLogger) Errorf(format string, args ...any)   {}
func (discardLogger) Info(args ...any)                    {}
func (discardLogger) Infof(format string, args ...any)    {}
func (discardLogger) Warning(args ...any)                 {}
func (discardLogger) Warningf(format string, args ...any) {}
func (discardLogger) Fatal(args ...any)                   {}
func (discardLogger) Fatalf(format string, args ...any)   {}
func (discardLogger) Panic(args ...any)                   {}
func (discardLogger) Panicf(format string, args ...any)   {}
