package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/encodeous/meshbridge/state"
)

// Catalog is the in-memory node database shared by the router and the scheduler. The lock is
// only ever held for map operations.
type Catalog struct {
	mu      sync.Mutex
	nodes   map[state.NodeId]state.NodeRecord
	changed time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{nodes: make(map[state.NodeId]state.NodeRecord)}
}

// Upsert merges n into the existing record and returns the result.
func (c *Catalog) Upsert(n state.NodeRecord, now time.Time) state.NodeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.nodes[n.NodeId]
	merged := n
	if ok {
		merged = old.Merge(n)
	} else if len(n.PublicKey) != 0 {
		merged.PublicKey = append([]byte(nil), n.PublicKey...)
	}
	c.nodes[n.NodeId] = merged
	c.changed = now
	return merged
}

// Load seeds the catalog, typically from the store at startup. Known records win.
func (c *Catalog) Load(nodes []state.NodeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range nodes {
		if old, ok := c.nodes[n.NodeId]; ok {
			c.nodes[n.NodeId] = n.Merge(old)
		} else {
			c.nodes[n.NodeId] = n
		}
	}
}

func (c *Catalog) Get(id state.NodeId) (state.NodeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return n, ok
}

func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Age is the time since the last upsert.
func (c *Catalog) Age(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.changed.IsZero() {
		return 0
	}
	return now.Sub(c.changed)
}

// Snapshot returns a copy of every record, ordered by node id.
func (c *Catalog) Snapshot() []state.NodeRecord {
	c.mu.Lock()
	out := make([]state.NodeRecord, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b state.NodeRecord) int {
		return strings.Compare(string(a.NodeId), string(b.NodeId))
	})
	return out
}

// Fingerprint hashes the sync relevant fields of a sorted snapshot. LastSeen is ignored so that
// mere traffic does not force a sync.
func Fingerprint(nodes []state.NodeRecord) string {
	h := sha256.New()
	var buf [8]byte
	str := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	f64 := func(f float64) {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	for _, n := range nodes {
		str(string(n.NodeId))
		str(string(n.Source))
		str(n.DisplayName)
		str(n.HardwareModel)
		str(string(n.PublicKey))
		if n.Position != nil {
			f64(n.Position.Latitude)
			f64(n.Position.Longitude)
			f64(float64(n.Position.Altitude))
		} else {
			str("")
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
