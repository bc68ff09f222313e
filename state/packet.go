package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// BackendId names one configured backend slot, e.g. "radio" or "companion".
type BackendId string

// NodeId is a normalised mesh node identifier. Meshtastic nodes use "!xxxxxxxx", MeshCore nodes
// use the hex prefix of their public key.
type NodeId string

// BroadcastId is the destination used for every broadcast packet, whatever sentinel the
// originating protocol used on the wire.
const BroadcastId NodeId = "^all"

type PacketType string

const (
	PacketText      PacketType = "text"
	PacketPosition  PacketType = "position"
	PacketNodeInfo  PacketType = "nodeinfo"
	PacketTelemetry PacketType = "telemetry"
	PacketRouting   PacketType = "routing"
	PacketAdvert    PacketType = "advert"
	PacketTrace     PacketType = "traceroute"
	PacketUnknown   PacketType = "unknown"
)

// RawFrame is one unframed payload as it came off a link.
type RawFrame struct {
	Data    []byte
	Arrived time.Time
	Backend BackendId
}

// DecodedPacket is a classified mesh packet ready for routing.
type DecodedPacket struct {
	From     NodeId     `json:"from"`
	To       NodeId     `json:"to"`
	Type     PacketType `json:"type"`
	PacketId uint32     `json:"packet_id"`
	Channel  uint32     `json:"channel"`
	Text     string     `json:"text,omitempty"`
	Payload  []byte     `json:"payload,omitempty"`
	HopCount int        `json:"hop_count"`
	SNR      float32    `json:"snr"`
	RSSI     int32      `json:"rssi"`
	// SentAt is the sender timestamp when the protocol carries one, zero otherwise.
	SentAt   time.Time `json:"sent_at,omitempty"`
	Received time.Time `json:"received"`

	// Source is always the backend that produced the frame.
	Source           BackendId `json:"network_source"`
	IsBroadcast      bool      `json:"is_broadcast"`
	IsSelfOriginated bool      `json:"is_self_originated"`
	DedupKey         string    `json:"dedup_key"`
}

// MakeDedupKey hashes the sender, the packet id and the sender-side time bucket. Retransmissions of
// one packet always share a key; the dedup window itself is enforced by the cache TTL.
func MakeDedupKey(from NodeId, packetId uint32, sentAt time.Time) string {
	var bucket int64
	if !sentAt.IsZero() {
		bucket = sentAt.Unix() / int64(DedupBucket/time.Second)
	}
	h := sha256.New()
	h.Write([]byte(from))
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:4], packetId)
	binary.BigEndian.PutUint64(buf[4:], uint64(bucket))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil)[:12])
}

type LearnedVia string

const (
	LearnedRadio     LearnedVia = "RADIO"
	LearnedCompanion LearnedVia = "COMPANION"
)

type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  int32   `json:"alt,omitempty"`
}

// NodeRecord is one entry of the node catalog.
type NodeRecord struct {
	NodeId        NodeId     `json:"node_id"`
	Source        BackendId  `json:"network_source"`
	DisplayName   string     `json:"display_name,omitempty"`
	HardwareModel string     `json:"hardware_model,omitempty"`
	PublicKey     []byte     `json:"public_key,omitempty"`
	Position      *Position  `json:"position,omitempty"`
	LastSeen      time.Time  `json:"last_seen"`
	LearnedVia    LearnedVia `json:"learned_via"`
}

// Merge folds an update into the record. Empty fields in the update never clear known values,
// in particular a known public key is never erased.
func (n NodeRecord) Merge(u NodeRecord) NodeRecord {
	if u.DisplayName != "" {
		n.DisplayName = u.DisplayName
	}
	if u.HardwareModel != "" {
		n.HardwareModel = u.HardwareModel
	}
	if len(u.PublicKey) != 0 {
		n.PublicKey = append([]byte(nil), u.PublicKey...)
	}
	if u.Position != nil {
		p := *u.Position
		n.Position = &p
	}
	if u.LastSeen.After(n.LastSeen) {
		n.LastSeen = u.LastSeen
	}
	if u.LearnedVia != "" {
		n.LearnedVia = u.LearnedVia
	}
	if u.Source != "" {
		n.Source = u.Source
	}
	return n
}

// PersistedPacket is a DecodedPacket as stored by the traffic store.
type PersistedPacket struct {
	DecodedPacket
	RowId    int64     `json:"row_id"`
	Uuid     string    `json:"uuid"`
	StoredAt time.Time `json:"stored_at"`
}
