package cluster

import (
	"strconv"
	"sync/atomic"
)

// NameSource hands out process-unique endpoint and session names. It
// is owned by whoever constructs it, normally one per Cluster; sharing
// one across clusters is allowed and keeps names globally unique.
type NameSource struct {
	c atomic.Uint64
}

func NewNameSource() *NameSource {
	return &NameSource{}
}

// Next returns an identifier never returned before by this source.
func (s *NameSource) Next() string {
	return strconv.FormatUint(s.c.Add(1)-1, 10)
}
