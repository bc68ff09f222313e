package core

import (
	"testing"
	"time"

	"github.com/encodeous/meshbridge/state"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_UpsertMerges(t *testing.T) {
	c := NewCatalog()
	now := time.Now()
	key := []byte{1, 2, 3}
	c.Upsert(state.NodeRecord{NodeId: "n1", DisplayName: "base", PublicKey: key, LastSeen: now}, now)
	key[0] = 7 // the catalog keeps its own copy
	got := c.Upsert(state.NodeRecord{NodeId: "n1", HardwareModel: "RAK4631", LastSeen: now.Add(-time.Minute)}, now)

	want := state.NodeRecord{NodeId: "n1", DisplayName: "base", HardwareModel: "RAK4631", PublicKey: []byte{1, 2, 3}, LastSeen: now}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged record (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, c.Len())
}

func TestCatalog_LoadKeepsLiveRecords(t *testing.T) {
	c := NewCatalog()
	now := time.Now()
	c.Upsert(state.NodeRecord{NodeId: "n1", DisplayName: "live"}, now)
	c.Load([]state.NodeRecord{
		{NodeId: "n1", DisplayName: "stored", HardwareModel: "TBEAM"},
		{NodeId: "n2", DisplayName: "other"},
	})
	n, ok := c.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "live", n.DisplayName)
	assert.Equal(t, "TBEAM", n.HardwareModel)
	assert.Equal(t, 2, c.Len())
}

func TestCatalog_SnapshotSorted(t *testing.T) {
	c := NewCatalog()
	now := time.Now()
	for _, id := range []state.NodeId{"c", "a", "b"} {
		c.Upsert(state.NodeRecord{NodeId: id}, now)
	}
	snap := c.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []state.NodeId{"a", "b", "c"}, []state.NodeId{snap[0].NodeId, snap[1].NodeId, snap[2].NodeId})
}

func TestFingerprint(t *testing.T) {
	now := time.Now()
	base := []state.NodeRecord{
		{NodeId: "a", DisplayName: "alpha", LastSeen: now},
		{NodeId: "b", Position: &state.Position{Latitude: 1, Longitude: 2}},
	}
	fp := Fingerprint(base)

	seen := []state.NodeRecord{base[0], base[1]}
	seen[0].LastSeen = now.Add(time.Hour)
	assert.Equal(t, fp, Fingerprint(seen), "last seen is not sync relevant")

	renamed := []state.NodeRecord{base[0], base[1]}
	renamed[0].DisplayName = "alpha2"
	assert.NotEqual(t, fp, Fingerprint(renamed))

	moved := []state.NodeRecord{base[0], {NodeId: "b", Position: &state.Position{Latitude: 1, Longitude: 3}}}
	assert.NotEqual(t, fp, Fingerprint(moved))

	keyed := []state.NodeRecord{base[0], {NodeId: "b", Position: base[1].Position, PublicKey: []byte{1}}}
	assert.NotEqual(t, fp, Fingerprint(keyed))
}
