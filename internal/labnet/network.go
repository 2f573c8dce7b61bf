// Package labnet is an in-memory RPC network with controllable failure
// modes. Endpoints are named, independently enable/disable-able directed
// links; servers are registered under service names and can be removed at
// any time to simulate a crash. The network can be made unreliable
// (delayed and dropped messages) without touching the endpoints.
package labnet

import (
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raftbed/raftbed/internal/logging"
)

type replyMsg struct {
	ok    bool
	reply []byte
}

type reqMsg struct {
	endname  string // name of sending end
	svcMeth  string // e.g. "Raft.Step"
	argsData []byte
	replyCh  chan replyMsg
}

// Network routes calls from client ends to registered servers. All
// knobs (reliability, per-end enablement, connections) take effect for
// calls issued after the change; in-flight calls observe the state they
// were dispatched with.
type Network struct {
	mu             sync.Mutex
	reliable       bool
	longDelays     bool // pause a long time on send to disabled connection
	longReordering bool // sometimes delay replies a long time
	ends           map[string]*ClientEnd
	enabled        map[string]bool
	servers        map[string]*Server
	connections    map[string]string // endname -> servername
	endCh          chan reqMsg
	done           chan struct{}

	count atomic.Int64 // total RPCs, for statistics
	bytes atomic.Int64 // total bytes, for statistics
}

// MakeNetwork creates a reliable network with no endpoints or servers.
func MakeNetwork() *Network {
	rn := &Network{
		reliable:    true,
		ends:        map[string]*ClientEnd{},
		enabled:     map[string]bool{},
		servers:     map[string]*Server{},
		connections: map[string]string{},
		endCh:       make(chan reqMsg),
		done:        make(chan struct{}),
	}

	// single goroutine to handle all ClientEnd.Call()s
	go func() {
		for {
			select {
			case req := <-rn.endCh:
				rn.count.Add(1)
				rn.bytes.Add(int64(len(req.argsData)))
				go rn.processReq(req)
			case <-rn.done:
				return
			}
		}
	}()

	return rn
}

// Cleanup stops the dispatch goroutine. Calls issued afterwards fail.
func (rn *Network) Cleanup() {
	close(rn.done)
}

func (rn *Network) Reliable(yes bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.reliable = yes
}

func (rn *Network) LongReordering(yes bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.longReordering = yes
}

func (rn *Network) LongDelays(yes bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.longDelays = yes
}

func (rn *Network) readEndnameInfo(endname string) (enabled bool,
	servername string, server *Server, reliable bool, longreordering bool,
	longdelays bool,
) {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	enabled = rn.enabled[endname]
	servername = rn.connections[endname]
	if servername != "" {
		server = rn.servers[servername]
	}
	reliable = rn.reliable
	longreordering = rn.longReordering
	longdelays = rn.longDelays
	return
}

func (rn *Network) isServerDead(endname string, servername string, server *Server) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	if !rn.enabled[endname] || rn.servers[servername] != server {
		return true
	}
	return false
}

func (rn *Network) processReq(req reqMsg) {
	enabled, servername, server, reliable, longreordering, longdelays := rn.readEndnameInfo(req.endname)

	if !enabled || servername == "" || server == nil {
		// simulate no reply and eventual timeout.
		ms := 0
		if longdelays {
			// let Raft tests check that leader doesn't send
			// RPCs synchronously.
			ms = rand.Intn(7000)
		} else {
			// many kv tests require the client to try each
			// server in fairly rapid succession.
			ms = rand.Intn(100)
		}
		time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			req.replyCh <- replyMsg{false, nil}
		})
		return
	}

	if !reliable {
		// short delay
		ms := rand.Intn(27)
		time.Sleep(time.Duration(ms) * time.Millisecond)

		if rand.Intn(1000) < 100 {
			// drop the request, return as if timeout
			req.replyCh <- replyMsg{false, nil}
			return
		}
	}

	// execute the request (call the RPC handler) in a separate goroutine
	// so that we can periodically check if the server has been killed and
	// the RPC should get a failure reply.
	ech := make(chan replyMsg)
	go func() {
		r := server.dispatch(req)
		ech <- r
	}()

	// wait for handler to return, but stop waiting if DeleteServer()
	// has been called, and return an error.
	var reply replyMsg
	replyOK := false
	serverDead := false
	for !replyOK && !serverDead {
		select {
		case reply = <-ech:
			replyOK = true
		case <-time.After(100 * time.Millisecond):
			serverDead = rn.isServerDead(req.endname, servername, server)
			if serverDead {
				go func() {
					<-ech // drain so the goroutine created earlier terminates
				}()
			}
		}
	}

	// do not reply if DeleteServer() has been called, i.e. the server has
	// been killed. this is needed to avoid situation in which a client
	// gets a positive reply to an Append, but the server persisted the
	// update into the superseded Persister.
	serverDead = rn.isServerDead(req.endname, servername, server)

	switch {
	case !replyOK || serverDead:
		// server was killed while we were waiting; return error
		req.replyCh <- replyMsg{false, nil}
	case !reliable && rand.Intn(1000) < 100:
		// drop the reply, return as if timeout
		req.replyCh <- replyMsg{false, nil}
	case longreordering && rand.Intn(900) < 600:
		// delay the response for a while
		ms := 200 + rand.Intn(1+rand.Intn(2000))
		time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			rn.bytes.Add(int64(len(reply.reply)))
			req.replyCh <- reply
		})
	default:
		rn.bytes.Add(int64(len(reply.reply)))
		req.replyCh <- reply
	}
}

// MakeEnd creates a client endpoint. It starts disconnected from any
// server; use Connect and Enable to attach it.
func (rn *Network) MakeEnd(endname string) *ClientEnd {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	if _, ok := rn.ends[endname]; ok {
		logging.VInfo("labnet", "MakeEnd: duplicate endpoint name", slog.String("end", endname))
	}

	e := &ClientEnd{
		endname: endname,
		ch:      rn.endCh,
		done:    rn.done,
	}
	rn.ends[endname] = e
	rn.enabled[endname] = false
	rn.connections[endname] = ""

	return e
}

// AddServer registers (or replaces) the server for a service name.
func (rn *Network) AddServer(servername string, rs *Server) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.servers[servername] = rs
}

// DeleteServer removes a server. In-flight calls to it observe no
// reply; the endpoint names connected to it stay valid and can be
// re-pointed at a replacement via AddServer.
func (rn *Network) DeleteServer(servername string) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.servers[servername] = nil
}

// Connect attaches an endpoint to a server by name. The connection is
// permanent for the endpoint's lifetime; only Enable toggles it.
func (rn *Network) Connect(endname string, servername string) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.connections[endname] = servername
}

// Enable turns an endpoint's link on or off.
func (rn *Network) Enable(endname string, enabled bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.enabled[endname] = enabled
}

// GetCount returns the number of RPCs a server has received.
func (rn *Network) GetCount(servername string) int {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	svr := rn.servers[servername]
	if svr == nil {
		return 0
	}
	return svr.GetCount()
}

// GetTotalCount returns the total number of RPC sends on this network.
func (rn *Network) GetTotalCount() int {
	return int(rn.count.Load())
}

// GetTotalBytes returns the total argument and reply bytes moved.
func (rn *Network) GetTotalBytes() int64 {
	return rn.bytes.Load()
}

func methodSplit(svcMeth string) (string, string, bool) {
	dot := strings.LastIndex(svcMeth, ".")
	if dot < 0 {
		return "", "", false
	}
	return svcMeth[:dot], svcMeth[dot+1:], true
}
