// Package determinism canonicalizes replica state for cross-node
// equivalence checks. Two servers that applied the same operations in
// the same order must produce identical fingerprints regardless of map
// iteration order or when they last snapshotted.
package determinism

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KVState is the canonicalized view of one replica's applied state.
type KVState struct {
	Data     map[string]string // key/value store contents
	LastSeq  map[string]uint64 // per-client highest applied sequence
	Applied  uint64            // raft index of the last applied entry
}

// CanonicalBytes returns a stable, byte-identical representation for
// hashing. Keys are sorted; separators are explicit so that adjacent
// fields can never alias.
func CanonicalBytes(s KVState) []byte {
	var b strings.Builder

	b.WriteString(strconv.FormatUint(s.Applied, 10))

	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Data[k])
	}

	clients := make([]string, 0, len(s.LastSeq))
	for c := range s.LastSeq {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	for _, c := range clients {
		b.WriteByte('|')
		b.WriteString(c)
		b.WriteByte('#')
		b.WriteString(strconv.FormatUint(s.LastSeq[c], 10))
	}

	return []byte(b.String())
}

// Hash64 computes a stable 64-bit fingerprint of the canonical bytes.
func Hash64(s KVState) uint64 { return xxhash.Sum64(CanonicalBytes(s)) }
