// Package kvserver is the replicated key-value service node. Every
// operation, reads included, goes through the consensus log, so any
// value a client sees was agreed on by a quorum. Each server pairs a
// consensus node with an apply loop over the shared state.
package kvserver

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/raftbed/raftbed/internal/determinism"
	"github.com/raftbed/raftbed/internal/kvtypes"
	"github.com/raftbed/raftbed/internal/labnet"
	"github.com/raftbed/raftbed/internal/logging"
	"github.com/raftbed/raftbed/internal/persist"
	"github.com/raftbed/raftbed/internal/raftnode"
)

// opTimeout bounds how long an RPC handler waits for its proposal to
// commit before telling the client to retry elsewhere.
const opTimeout = 500 * time.Millisecond

// command is the unit appended to the consensus log.
type command struct {
	Op       kvtypes.Op
	Key      string
	Value    string
	ClientID string
	Seq      uint64
}

// kvSnapshot is the serialized service state handed to the consensus
// node for log compaction.
type kvSnapshot struct {
	Data      map[string]string
	LastSeq   map[string]uint64
	LastReply map[string]string
	Applied   uint64
}

// KVServer is one service node.
type KVServer struct {
	mu sync.Mutex
	me int
	rf *raftnode.Raft
	ps *persist.Persister

	applyCh chan raftnode.ApplyMsg
	stopCh  chan struct{}

	// maxraftstate is the log-state size (bytes) at which the server
	// snapshots and compacts; <= 0 disables snapshotting.
	maxraftstate int

	data      map[string]string
	lastSeq   map[string]uint64 // per-client highest applied sequence
	lastReply map[string]string // per-client reply value of that sequence
	applied   uint64

	dead atomic.Bool
}

// Start builds a service node, restores any snapshot the persister
// carries, and begins applying the log. ends[j] is the outgoing
// endpoint to peer j; ps must be the persister rolled over from the
// previous incarnation.
func Start(ends []*labnet.ClientEnd, me int, ps *persist.Persister, maxraftstate int) *KVServer {
	kv := &KVServer{
		me:           me,
		ps:           ps,
		maxraftstate: maxraftstate,
		applyCh:      make(chan raftnode.ApplyMsg, 256),
		stopCh:       make(chan struct{}),
		data:         make(map[string]string),
		lastSeq:      make(map[string]uint64),
		lastReply:    make(map[string]string),
	}
	kv.rf = raftnode.New(ends, me, ps, kv.applyCh)

	// Restore before the apply loop starts: everything arriving on
	// applyCh is ordered after the restored snapshot.
	if data, index, _ := kv.rf.ReadSnapshot(); len(data) > 0 {
		kv.restoreSnapshot(data, index)
	}

	go kv.applyLoop()
	return kv
}

// Raft exposes the consensus node, e.g. for leadership queries.
func (kv *KVServer) Raft() *raftnode.Raft { return kv.rf }

// IsLeader reports whether this node's consensus layer claims
// leadership.
func (kv *KVServer) IsLeader() bool { return kv.rf.IsLeader() }

// Kill shuts the node down: consensus first, then the apply loop.
// Idempotent; concurrent RPC handlers drain via timeouts.
func (kv *KVServer) Kill() {
	if kv.dead.Swap(true) {
		return
	}
	kv.rf.Kill()
	close(kv.stopCh)
}

// Get handles the client read RPC. The read is logged and applied
// before a value is returned, so it reflects all operations committed
// before it.
func (kv *KVServer) Get(args *kvtypes.GetArgs, reply *kvtypes.GetReply) {
	if value, done := kv.alreadyApplied(args.ClientID, args.Seq); done {
		reply.Err = kvtypes.OK
		reply.Value = value
		return
	}
	cmd := command{Op: kvtypes.OpGet, Key: args.Key, ClientID: args.ClientID, Seq: args.Seq}
	if !kv.propose(cmd) {
		reply.Err = kvtypes.ErrWrongLeader
		return
	}
	value, ok := kv.waitApplied(args.ClientID, args.Seq)
	if !ok {
		reply.Err = kvtypes.ErrTimeout
		return
	}
	reply.Err = kvtypes.OK
	reply.Value = value
}

// PutAppend handles the client write RPC.
func (kv *KVServer) PutAppend(args *kvtypes.PutAppendArgs, reply *kvtypes.PutAppendReply) {
	if _, done := kv.alreadyApplied(args.ClientID, args.Seq); done {
		reply.Err = kvtypes.OK
		return
	}
	cmd := command{
		Op: args.Op, Key: args.Key, Value: args.Value,
		ClientID: args.ClientID, Seq: args.Seq,
	}
	if !kv.propose(cmd) {
		reply.Err = kvtypes.ErrWrongLeader
		return
	}
	if _, ok := kv.waitApplied(args.ClientID, args.Seq); !ok {
		reply.Err = kvtypes.ErrTimeout
		return
	}
	reply.Err = kvtypes.OK
}

func (kv *KVServer) alreadyApplied(clientID string, seq uint64) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.lastSeq[clientID] >= seq {
		return kv.lastReply[clientID], true
	}
	return "", false
}

func (kv *KVServer) propose(cmd command) bool {
	if kv.dead.Load() {
		return false
	}
	b, err := json.Marshal(&cmd)
	if err != nil {
		slog.Error("kvserver: marshal of command failed",
			slog.Int("peer", kv.me), slog.Any("error", err))
		return false
	}
	return kv.rf.Propose(b)
}

// waitApplied polls until the client's operation has been applied, or
// the timeout passes (leadership may have been lost mid-flight; the
// client will retry and be deduplicated).
func (kv *KVServer) waitApplied(clientID string, seq uint64) (string, bool) {
	deadline := time.Now().Add(opTimeout)
	for time.Now().Before(deadline) {
		if kv.dead.Load() {
			return "", false
		}
		if value, done := kv.alreadyApplied(clientID, seq); done {
			return value, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return "", false
}

func (kv *KVServer) applyLoop() {
	for {
		select {
		case <-kv.stopCh:
			return
		case msg := <-kv.applyCh:
			switch {
			case msg.CommandValid:
				kv.applyCommand(msg)
			case msg.SnapshotValid:
				kv.restoreSnapshot(msg.Snapshot, msg.SnapshotIndex)
			}
		}
	}
}

func (kv *KVServer) applyCommand(msg raftnode.ApplyMsg) {
	var cmd command
	if err := json.Unmarshal(msg.Command, &cmd); err != nil {
		slog.Error("kvserver: unmarshal of committed command failed",
			slog.Int("peer", kv.me), slog.Any("error", err))
		return
	}

	kv.mu.Lock()
	if msg.CommandIndex > kv.applied {
		kv.applied = msg.CommandIndex
	}
	if cmd.Seq > kv.lastSeq[cmd.ClientID] {
		switch cmd.Op {
		case kvtypes.OpPut:
			kv.data[cmd.Key] = cmd.Value
			kv.lastReply[cmd.ClientID] = ""
		case kvtypes.OpAppend:
			kv.data[cmd.Key] += cmd.Value
			kv.lastReply[cmd.ClientID] = ""
		case kvtypes.OpGet:
			kv.lastReply[cmd.ClientID] = kv.data[cmd.Key]
		}
		kv.lastSeq[cmd.ClientID] = cmd.Seq
	}
	applied := kv.applied
	kv.mu.Unlock()

	kv.maybeSnapshot(applied)
}

// maybeSnapshot compacts the log once the persisted log state has
// outgrown the configured bound.
func (kv *KVServer) maybeSnapshot(applied uint64) {
	if kv.maxraftstate <= 0 || kv.ps.RaftStateSize() < kv.maxraftstate {
		return
	}
	kv.mu.Lock()
	snap := kvSnapshot{
		Data:      kv.data,
		LastSeq:   kv.lastSeq,
		LastReply: kv.lastReply,
		Applied:   kv.applied,
	}
	// marshal under the lock: the maps are shared with the apply path.
	b, err := json.Marshal(&snap)
	kv.mu.Unlock()
	if err != nil {
		slog.Error("kvserver: marshal of snapshot failed",
			slog.Int("peer", kv.me), slog.Any("error", err))
		return
	}
	logging.VInfo("kvserver", "snapshotting",
		slog.Int("peer", kv.me), slog.Uint64("applied", applied),
		slog.Int("statesize", kv.ps.RaftStateSize()))
	kv.rf.Snapshot(applied, b)
}

func (kv *KVServer) restoreSnapshot(data []byte, index uint64) {
	var snap kvSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Error("kvserver: unmarshal of snapshot failed",
			slog.Int("peer", kv.me), slog.Any("error", err))
		return
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if index < kv.applied {
		return // stale install raced with newer applied state
	}
	kv.data = snap.Data
	kv.lastSeq = snap.LastSeq
	kv.lastReply = snap.LastReply
	if kv.data == nil {
		kv.data = make(map[string]string)
	}
	if kv.lastSeq == nil {
		kv.lastSeq = make(map[string]uint64)
	}
	if kv.lastReply == nil {
		kv.lastReply = make(map[string]string)
	}
	kv.applied = snap.Applied
	if index > kv.applied {
		kv.applied = index
	}
}

// StateFingerprint returns a canonical hash of the applied state, for
// replica-equivalence checks in tests and scenarios.
func (kv *KVServer) StateFingerprint() uint64 {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return determinism.Hash64(determinism.KVState{
		Data:    kv.data,
		LastSeq: kv.lastSeq,
		Applied: kv.applied,
	})
}
