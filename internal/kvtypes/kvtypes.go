// Package kvtypes holds the request/reply types of the replicated KV
// protocol, shared by the service nodes and the client sessions.
package kvtypes

// Op is a KV operation kind.
type Op string

const (
	OpGet    Op = "GET"
	OpPut    Op = "PUT"
	OpAppend Op = "APPEND"
)

// Err is a protocol-level outcome. Transport failures are not
// represented here; a lost RPC simply yields no reply.
type Err string

const (
	OK             Err = "OK"
	ErrNoKey       Err = "ERR_NO_KEY"
	ErrWrongLeader Err = "ERR_WRONG_LEADER"
	ErrTimeout     Err = "ERR_TIMEOUT"
)

// GetArgs asks for the current value of a key.
type GetArgs struct {
	Key      string
	ClientID string
	Seq      uint64
}

type GetReply struct {
	Err   Err
	Value string
}

// PutAppendArgs writes or appends to a key. ClientID and Seq identify
// the operation for duplicate suppression across retries.
type PutAppendArgs struct {
	Key      string
	Value    string
	Op       Op // OpPut or OpAppend
	ClientID string
	Seq      uint64
}

type PutAppendReply struct {
	Err Err
}
