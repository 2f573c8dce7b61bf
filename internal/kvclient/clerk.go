// Package kvclient implements a client session against the replicated
// KV service: retry-until-success operations over the session's own
// private set of endpoints.
package kvclient

import (
	"log/slog"
	"time"

	"github.com/raftbed/raftbed/internal/kvtypes"
	"github.com/raftbed/raftbed/internal/labnet"
	"github.com/raftbed/raftbed/internal/logging"
)

// Clerk is one client session. The harness hands it endpoints in an
// order already shuffled per session, so a clerk's server preference is
// uncorrelated with peer index. Methods retry until an operation is
// acknowledged; per-clerk sequence numbers let servers suppress
// duplicates caused by retried RPCs.
//
// A Clerk is driven by one goroutine at a time.
type Clerk struct {
	name   string
	ends   []*labnet.ClientEnd
	seq    uint64
	leader int // index into ends of the last server that answered
}

// New creates a clerk with the given session name and endpoints.
func New(name string, ends []*labnet.ClientEnd) *Clerk {
	return &Clerk{name: name, ends: ends}
}

// Name returns the session name the harness registered this clerk under.
func (ck *Clerk) Name() string { return ck.name }

// Get fetches the current value for key, or "" if the key is absent.
func (ck *Clerk) Get(key string) string {
	ck.seq++
	args := kvtypes.GetArgs{Key: key, ClientID: ck.name, Seq: ck.seq}

	for i := 0; ; i++ {
		srv := (ck.leader + i) % len(ck.ends)
		var reply kvtypes.GetReply
		ok := ck.ends[srv].Call("KVServer.Get", &args, &reply)
		if ok && (reply.Err == kvtypes.OK || reply.Err == kvtypes.ErrNoKey) {
			ck.leader = srv
			return reply.Value
		}
		logging.VInfo("clerk", "get retry",
			slog.String("session", ck.name), slog.String("key", key),
			slog.Bool("delivered", ok), slog.String("err", string(reply.Err)))
		if i > 0 && (i+1)%len(ck.ends) == 0 {
			// a full pass found no usable leader; back off while an
			// election settles.
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// Put sets key to value.
func (ck *Clerk) Put(key string, value string) {
	ck.putAppend(key, value, kvtypes.OpPut)
}

// Append appends value to key's current value, treating an absent key
// as the empty string.
func (ck *Clerk) Append(key string, value string) {
	ck.putAppend(key, value, kvtypes.OpAppend)
}

func (ck *Clerk) putAppend(key, value string, op kvtypes.Op) {
	ck.seq++
	args := kvtypes.PutAppendArgs{
		Key: key, Value: value, Op: op,
		ClientID: ck.name, Seq: ck.seq,
	}

	for i := 0; ; i++ {
		srv := (ck.leader + i) % len(ck.ends)
		var reply kvtypes.PutAppendReply
		ok := ck.ends[srv].Call("KVServer.PutAppend", &args, &reply)
		if ok && reply.Err == kvtypes.OK {
			ck.leader = srv
			return
		}
		logging.VInfo("clerk", "put/append retry",
			slog.String("session", ck.name), slog.String("key", key),
			slog.Bool("delivered", ok), slog.String("err", string(reply.Err)))
		if i > 0 && (i+1)%len(ck.ends) == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
}
