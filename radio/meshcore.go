package radio

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/encodeous/meshbridge/state"
)

const (
	mcInbound    = '>'
	mcOutbound   = '<'
	mcHeaderSize = 3

	mcPubKeySize = 32
	mcPrefixSize = 6
	mcNameSize   = 32
	mcPathSize   = 64
)

// response and push codes
const (
	mcRespContactsStart  = 0x02
	mcRespContact        = 0x03
	mcRespEndOfContacts  = 0x04
	mcRespSelfInfo       = 0x05
	mcRespNoMoreMessages = 0x0A
	mcRespContactMsgV3   = 0x10
	mcRespChannelMsgV3   = 0x11
	mcPushAdvert         = 0x80
	mcPushMsgWaiting     = 0x83
	mcPushNewAdvert      = 0x8A
)

// command codes
const (
	mcCmdAppStart    = 0x01
	mcCmdGetContacts = 0x04
	mcCmdSyncNext    = 0x0A
)

const mcAppName = "meshbridge"

// mcBroadcast is the destination assigned to channel messages, which carry no address.
const mcBroadcast state.NodeId = "*"

// MeshCore speaks the companion radio protocol of MeshCore firmware.
type MeshCore struct{}

// MeshCoreNodeId is the hex of the first six bytes of a public key, the same prefix contact
// messages identify their sender with.
func MeshCoreNodeId(key []byte) state.NodeId {
	if len(key) > mcPrefixSize {
		key = key[:mcPrefixSize]
	}
	return state.NodeId(hex.EncodeToString(key))
}

func (MeshCore) Name() state.Protocol {
	return state.ProtoMeshCore
}

func (MeshCore) LearnedVia() state.LearnedVia {
	return state.LearnedCompanion
}

func (MeshCore) BroadcastSentinel() state.NodeId {
	return mcBroadcast
}

func (MeshCore) Split(data []byte, atEOF bool) (int, []byte, error) {
	off := 0
	for {
		i := bytes.IndexByte(data[off:], mcInbound)
		if i < 0 {
			return len(data), nil, nil
		}
		off += i
		rest := data[off:]
		if len(rest) < mcHeaderSize {
			if atEOF {
				return len(data), nil, nil
			}
			return off, nil, nil
		}
		n := int(binary.LittleEndian.Uint16(rest[1:3]))
		if n == 0 || n > state.MaxFrameSize {
			off++
			continue
		}
		if len(rest) < mcHeaderSize+n {
			if atEOF {
				return len(data), nil, nil
			}
			return off, nil, nil
		}
		return off + mcHeaderSize + n, rest[mcHeaderSize : mcHeaderSize+n], nil
	}
}

func (MeshCore) Frame(payload []byte) []byte {
	buf := make([]byte, mcHeaderSize, mcHeaderSize+len(payload))
	buf[0] = mcOutbound
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(payload)))
	return append(buf, payload...)
}

func (MeshCore) Handshake() [][]byte {
	start := []byte{mcCmdAppStart, 0x03, 0, 0, 0, 0, 0, 0}
	start = append(start, mcAppName...)
	return [][]byte{start, {mcCmdSyncNext}}
}

func (MeshCore) CatalogRequest() []byte {
	return []byte{mcCmdGetContacts}
}

func (m MeshCore) Decode(payload []byte) (Decoded, error) {
	if len(payload) == 0 {
		return Decoded{}, fmt.Errorf("%w: meshcore: empty frame", ErrMalformed)
	}
	r := mcReader{b: payload[1:]}
	var d Decoded
	switch payload[0] {
	case mcRespSelfInfo:
		r.skip(3) // adv type, tx power, max tx power
		key := r.take(mcPubKeySize)
		lat, lon := r.i32(), r.i32()
		r.skip(4 + 4 + 4 + 1 + 1) // policies, radio freq, bandwidth, sf, cr
		name := r.rest()
		if r.err != nil {
			break
		}
		d.SelfId = MeshCoreNodeId(key)
		d.Node = &state.NodeRecord{
			NodeId:      d.SelfId,
			DisplayName: strings.TrimRight(string(name), "\x00"),
			PublicKey:   append([]byte(nil), key...),
			Position:    mcPosition(lat, lon),
		}
	case mcRespContact, mcPushNewAdvert:
		d.Node = r.contact()
		if d.Node != nil && payload[0] == mcPushNewAdvert {
			d.Packet = &state.DecodedPacket{From: d.Node.NodeId, To: mcBroadcast, Type: state.PacketAdvert}
		}
	case mcPushAdvert:
		key := r.take(mcPubKeySize)
		if r.err != nil {
			break
		}
		id := MeshCoreNodeId(key)
		d.Node = &state.NodeRecord{NodeId: id, PublicKey: append([]byte(nil), key...)}
		d.Packet = &state.DecodedPacket{From: id, To: mcBroadcast, Type: state.PacketAdvert}
	case mcRespContactMsgV3:
		snr := int8(r.u8())
		r.skip(2)
		prefix := r.take(mcPrefixSize)
		hops := r.u8()
		r.skip(1) // text type
		sent := r.u32()
		text := r.rest()
		if r.err != nil {
			break
		}
		d.Packet = mcText(MeshCoreNodeId(prefix), "", 0, snr, hops, sent, text)
		d.Reply = [][]byte{{mcCmdSyncNext}}
	case mcRespChannelMsgV3:
		snr := int8(r.u8())
		r.skip(2)
		channel := r.u8()
		hops := r.u8()
		r.skip(1)
		sent := r.u32()
		text := r.rest()
		if r.err != nil {
			break
		}
		// channel messages carry the sender name inline as "name: text"
		from := state.NodeId("")
		if name, _, ok := strings.Cut(string(text), ": "); ok {
			from = state.NodeId("@" + name)
		}
		d.Packet = mcText(from, mcBroadcast, uint32(channel), snr, hops, sent, text)
		d.Reply = [][]byte{{mcCmdSyncNext}}
	case mcPushMsgWaiting:
		d.Reply = [][]byte{{mcCmdSyncNext}}
	case mcRespContactsStart, mcRespEndOfContacts, mcRespNoMoreMessages:
	}
	if r.err != nil {
		return Decoded{}, fmt.Errorf("%w: meshcore code 0x%02x: %v", ErrMalformed, payload[0], r.err)
	}
	return d, nil
}

func mcText(from, to state.NodeId, channel uint32, snr int8, hops byte, sent uint32, text []byte) *state.DecodedPacket {
	pkt := &state.DecodedPacket{
		From:    from,
		To:      to,
		Type:    state.PacketText,
		Channel: channel,
		Text:    string(text),
		Payload: append([]byte(nil), text...),
		SNR:     float32(snr) / 4,
	}
	// 0xff marks a direct (zero hop) message
	if hops != 0xff {
		pkt.HopCount = int(hops)
	}
	if sent != 0 {
		pkt.SentAt = time.Unix(int64(sent), 0)
	}
	// companion messages have no packet id, the text stands in for it
	h := crc32.NewIEEE()
	h.Write([]byte(from))
	h.Write(text)
	pkt.PacketId = h.Sum32()
	return pkt
}

func mcPosition(lat, lon int32) *state.Position {
	if lat == 0 && lon == 0 {
		return nil
	}
	return &state.Position{Latitude: float64(lat) / 1e6, Longitude: float64(lon) / 1e6}
}

type mcReader struct {
	b   []byte
	err error
}

func (r *mcReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf("short frame, want %d more bytes, have %d", n, len(r.b))
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *mcReader) skip(n int) {
	r.take(n)
}

func (r *mcReader) u8() byte {
	v := r.take(1)
	if v == nil {
		return 0
	}
	return v[0]
}

func (r *mcReader) u32() uint32 {
	v := r.take(4)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(v)
}

func (r *mcReader) i32() int32 {
	return int32(r.u32())
}

func (r *mcReader) rest() []byte {
	if r.err != nil {
		return nil
	}
	v := r.b
	r.b = nil
	return v
}

func (r *mcReader) contact() *state.NodeRecord {
	key := r.take(mcPubKeySize)
	r.skip(3) // type, flags, path length
	r.skip(mcPathSize)
	name := r.take(mcNameSize)
	lastAdvert := r.u32()
	lat, lon := r.i32(), r.i32()
	if r.err != nil {
		return nil
	}
	node := &state.NodeRecord{
		NodeId:      MeshCoreNodeId(key),
		DisplayName: string(bytes.TrimRight(name, "\x00")),
		PublicKey:   append([]byte(nil), key...),
		Position:    mcPosition(lat, lon),
	}
	if lastAdvert != 0 {
		node.LastSeen = time.Unix(int64(lastAdvert), 0)
	}
	return node
}
