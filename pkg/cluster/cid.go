package cluster

import (
	"strconv"
	"sync/atomic"
)

// CorrelationIDGenerator hands out request ids unique within one member's
// lifetime. Ids are the member id followed by a counter, so ids from
// different members never collide.
type CorrelationIDGenerator struct {
	prefix  string
	counter atomic.Uint64
}

func NewCorrelationIDGenerator(memberID string) *CorrelationIDGenerator {
	return &CorrelationIDGenerator{prefix: memberID + "-"}
}

func (g *CorrelationIDGenerator) Next() string {
	return g.prefix + strconv.FormatUint(g.counter.Add(1), 10)
}
