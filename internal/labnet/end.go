package labnet

import (
	"log/slog"

	json "github.com/goccy/go-json"
)

// ClientEnd is one directed, named link into the network. A Call only
// reaches its connected server while the endpoint is enabled.
type ClientEnd struct {
	endname string
	ch      chan reqMsg // copy of Network.endCh
	done    chan struct{}
}

// Call sends an RPC and waits for the reply.
//
// The service and method name are given as "Service.Method"; args and
// reply follow the usual net/rpc shape (reply must be a pointer). Call
// returns false if the network lost the request or reply, the endpoint
// is disabled, or the server is gone; it never returns an error value,
// because delivery failure is an expected simulation outcome.
func (e *ClientEnd) Call(svcMeth string, args any, reply any) bool {
	req := reqMsg{
		endname: e.endname,
		svcMeth: svcMeth,
		replyCh: make(chan replyMsg),
	}

	data, err := json.Marshal(args)
	if err != nil {
		slog.Error("labnet: marshal of RPC args failed",
			slog.String("method", svcMeth), slog.Any("error", err))
		return false
	}
	req.argsData = data

	// send the request, handling the case where the network
	// has been shut down.
	select {
	case e.ch <- req:
		// the request has been sent.
	case <-e.done:
		return false
	}

	// wait for the reply.
	rep := <-req.replyCh
	if !rep.ok {
		return false
	}
	if err := json.Unmarshal(rep.reply, reply); err != nil {
		slog.Error("labnet: unmarshal of RPC reply failed",
			slog.String("method", svcMeth), slog.Any("error", err))
		return false
	}
	return true
}
