package id

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMax         = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// Node generates Snowflake-style message IDs: time-ordered, unique per node.
type Node struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
}

func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > nodeMax {
		return nil, errors.New("node ID too large")
	}
	return &Node{nodeID: nodeID}, nil
}

// Generate returns a unique ID. IDs generated by the same node are strictly
// increasing, which keeps insertion order recoverable from the ID alone.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < n.timestamp {
		// Clock regressed, refuse to go backwards to prevent duplicates.
		now = n.timestamp
	}

	if now == n.timestamp {
		n.step = (n.step + 1) & stepMax
		if n.step == 0 {
			// Sequence exhausted for this millisecond, wait for the next.
			for now <= n.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		n.step = 0
	}

	n.timestamp = now

	return ((now - epoch) << timeShift) | (n.nodeID << nodeShift) | n.step
}

// GenerateString returns a unique ID in the base-36 form used on the wire.
func (n *Node) GenerateString() string {
	return strconv.FormatInt(n.Generate(), 36)
}
