package version

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// epoch anchors the timestamp component of generated version ids so the
// 42-bit millisecond field doesn't waste range on the Unix epoch.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	nodeBits     = 10
	sequenceBits = 12
	nodeMax      = 1<<nodeBits - 1
	sequenceMax  = 1<<sequenceBits - 1
)

// IDGenerator produces monotonically increasing, globally unique version
// ids in the Snowflake shape (millis since epoch | node id | sequence),
// so two engine processes sharing a postgres metadata store never collide
// (§4.6: "version_id must be monotonically increasing per file; a
// generator unique per engine instance, such as a Snowflake-style id,
// satisfies this without a central counter").
type IDGenerator struct {
	mu       sync.Mutex
	nodeID   uint64
	lastMS   int64
	sequence uint64
}

// NewIDGenerator derives a node id from a random uuid so independently
// started engine processes get distinct (but not centrally coordinated)
// node components, the same way the redis lock's token is derived
// per-process rather than from a registry.
func NewIDGenerator() *IDGenerator {
	sum := uuid.New()
	var node uint64
	for _, b := range sum {
		node = (node << 8) | uint64(b)
	}
	return &IDGenerator{nodeID: node % (nodeMax + 1)}
}

// Next returns the next id, blocking up to a millisecond if the sequence
// space for the current millisecond is exhausted.
func (g *IDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Since(epoch).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms == g.lastMS {
		g.sequence++
		if g.sequence > sequenceMax {
			for ms <= g.lastMS {
				time.Sleep(time.Millisecond)
				ms = time.Since(epoch).Milliseconds()
			}
			g.sequence = 0
		}
	} else {
		g.sequence = 0
	}
	g.lastMS = ms

	id := uint64(ms)<<(nodeBits+sequenceBits) | (g.nodeID << sequenceBits) | g.sequence
	return id
}

func (g *IDGenerator) String() string {
	return fmt.Sprintf("idgen(node=%d)", g.nodeID)
}
