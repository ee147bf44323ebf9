package id

import "sync/atomic"

// clientBits is how many high bits of an ID identify the client
const clientBits = 15

// counterMask keeps the counter below the client bits and the sign bit
const counterMask = int64(1)<<(63-clientBits) - 1

// Generator provides unique IDs for subscriptions and images.
type Generator interface {
	NextID() int64
}

// CorrelationGenerator hands out positive, strictly increasing IDs tagged with
// the low bits of the client ID, so IDs from different clients rarely collide
// in shared logs. Safe for concurrent use.
type CorrelationGenerator struct {
	prefix  int64
	counter atomic.Int64
}

// NewCorrelationGenerator creates a generator for the given client
func NewCorrelationGenerator(clientID uint64) *CorrelationGenerator {
	tag := int64(clientID & (1<<clientBits - 1))
	return &CorrelationGenerator{prefix: tag << (63 - clientBits)}
}

// NextID returns the next ID. The counter part starts at 1.
func (g *CorrelationGenerator) NextID() int64 {
	return g.prefix | (g.counter.Add(1) & counterMask)
}

// ClientTag extracts the client tag from an ID produced by a CorrelationGenerator
func ClientTag(id int64) uint64 {
	return uint64(id) >> (63 - clientBits)
}
