package raftnode

import (
	"context"
	"log/slog"

	gogoproto "github.com/gogo/protobuf/proto"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/raftbed/raftbed/internal/labnet"
	"github.com/raftbed/raftbed/internal/logging"
)

// Transport moves raft messages to peers. The production analogue is a
// streaming network transport; here it is the simulated RPC network,
// so enable/disable of the underlying endpoints is what partitions
// consensus traffic.
type Transport interface {
	Send(ctx context.Context, msgs []raftpb.Message)
}

// labTransport delivers messages as "Raft.Step" calls over the node's
// outgoing client ends. Sends are fire-and-forget: a false Call is
// reported to the raft state machine as peer unreachability, never
// surfaced as an error.
type labTransport struct {
	r     *Raft
	peers []*labnet.ClientEnd
}

func newLabTransport(r *Raft, peers []*labnet.ClientEnd) *labTransport {
	return &labTransport{r: r, peers: peers}
}

func (t *labTransport) Send(ctx context.Context, msgs []raftpb.Message) {
	for i := range msgs {
		m := msgs[i]
		if m.To == 0 || m.To == t.r.id {
			continue
		}
		to := int(m.To) - 1
		if to < 0 || to >= len(t.peers) {
			continue
		}
		data, err := gogoproto.Marshal(&m)
		if err != nil {
			slog.Error("raftnode: marshal of raft message failed",
				slog.Int("peer", t.r.me), slog.Any("error", err))
			continue
		}
		// Deliver asynchronously so a slow or partitioned peer can
		// never stall the ready loop.
		go t.send(to, m, data)
	}
}

func (t *labTransport) send(to int, m raftpb.Message, data []byte) {
	args := StepArgs{Data: data}
	var reply StepReply
	ok := t.peers[to].Call("Raft.Step", &args, &reply)

	if t.r.Killed() {
		return
	}
	if !ok {
		logging.VInfo("raft", "send failed",
			slog.Int("from", t.r.me), slog.Int("to", to),
			slog.String("type", m.Type.String()))
		t.r.rn.ReportUnreachable(m.To)
		if m.Type == raftpb.MsgSnap {
			t.r.rn.ReportSnapshot(m.To, etcdraft.SnapshotFailure)
		}
		return
	}
	if m.Type == raftpb.MsgSnap {
		t.r.rn.ReportSnapshot(m.To, etcdraft.SnapshotFinish)
	}
}
