package radio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/encodeous/meshbridge/state"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	mtStart1     = 0x94
	mtStart2     = 0xC3
	mtHeaderSize = 4

	mtBroadcastNum = 0xFFFFFFFF

	// want_config nonces the firmware treats specially
	mtNonceConfigOnly = 69420
	mtNonceNodesOnly  = 69421
)

// FromRadio / MeshPacket / Data field numbers
const (
	fromRadioPacket   protowire.Number = 2
	fromRadioMyInfo   protowire.Number = 3
	fromRadioNodeInfo protowire.Number = 4

	myInfoNodeNum protowire.Number = 1

	nodeInfoNum       protowire.Number = 1
	nodeInfoUser      protowire.Number = 2
	nodeInfoPosition  protowire.Number = 3
	nodeInfoLastHeard protowire.Number = 5

	userLongName  protowire.Number = 2
	userShortName protowire.Number = 3
	userHwModel   protowire.Number = 5
	userPublicKey protowire.Number = 8

	posLatitude  protowire.Number = 1
	posLongitude protowire.Number = 2
	posAltitude  protowire.Number = 3

	pktFrom     protowire.Number = 1
	pktTo       protowire.Number = 2
	pktChannel  protowire.Number = 3
	pktDecoded  protowire.Number = 4
	pktId       protowire.Number = 6
	pktRxSnr    protowire.Number = 8
	pktHopLimit protowire.Number = 9
	pktRxRssi   protowire.Number = 12
	pktHopStart protowire.Number = 15

	dataPortnum protowire.Number = 1
	dataPayload protowire.Number = 2

	toRadioWantConfig protowire.Number = 3
)

var mtPorts = map[uint64]state.PacketType{
	1:  state.PacketText,
	3:  state.PacketPosition,
	4:  state.PacketNodeInfo,
	5:  state.PacketRouting,
	67: state.PacketTelemetry,
	70: state.PacketTrace,
}

var mtHardware = map[uint64]string{
	1:   "TLORA_V2",
	4:   "TBEAM",
	9:   "RAK4631",
	43:  "HELTEC_V3",
	255: "PRIVATE_HW",
}

// Meshtastic speaks the serial/tcp stream api of Meshtastic firmware.
type Meshtastic struct{}

func MeshtasticNodeId(num uint32) state.NodeId {
	return state.NodeId(fmt.Sprintf("!%08x", num))
}

func (Meshtastic) Name() state.Protocol {
	return state.ProtoMeshtastic
}

func (Meshtastic) LearnedVia() state.LearnedVia {
	return state.LearnedRadio
}

func (Meshtastic) BroadcastSentinel() state.NodeId {
	return MeshtasticNodeId(mtBroadcastNum)
}

// Split skips debug console output between frames and drops headers with an impossible length.
// Skipping continues within one call, so a frame buffered behind noise is returned right away.
func (Meshtastic) Split(data []byte, atEOF bool) (int, []byte, error) {
	off := 0
	for {
		rest := data[off:]
		i := bytes.Index(rest, []byte{mtStart1, mtStart2})
		if i < 0 {
			// the last byte may be the first half of a header
			if len(rest) > 0 && rest[len(rest)-1] == mtStart1 && !atEOF {
				return len(data) - 1, nil, nil
			}
			return len(data), nil, nil
		}
		off += i
		rest = data[off:]
		if len(rest) < mtHeaderSize {
			if atEOF {
				return len(data), nil, nil
			}
			return off, nil, nil
		}
		n := int(binary.BigEndian.Uint16(rest[2:4]))
		if n > state.MaxFrameSize {
			off++
			continue
		}
		if len(rest) < mtHeaderSize+n {
			if atEOF {
				return len(data), nil, nil
			}
			return off, nil, nil
		}
		return off + mtHeaderSize + n, rest[mtHeaderSize : mtHeaderSize+n], nil
	}
}

func (Meshtastic) Frame(payload []byte) []byte {
	buf := make([]byte, mtHeaderSize, mtHeaderSize+len(payload))
	buf[0] = mtStart1
	buf[1] = mtStart2
	binary.BigEndian.PutUint16(buf[2:], uint16(len(payload)))
	return append(buf, payload...)
}

func wantConfig(nonce uint64) []byte {
	b := protowire.AppendTag(nil, toRadioWantConfig, protowire.VarintType)
	return protowire.AppendVarint(b, nonce)
}

// Handshake asks for the device config without the node database, so it stays cheap right after a
// reconnect. The node database is fetched separately by CatalogRequest.
func (Meshtastic) Handshake() [][]byte {
	return [][]byte{wantConfig(mtNonceConfigOnly)}
}

func (Meshtastic) CatalogRequest() []byte {
	return wantConfig(mtNonceNodesOnly)
}

func (m Meshtastic) Decode(payload []byte) (Decoded, error) {
	var d Decoded
	err := walk(payload, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		switch f.num {
		case fromRadioPacket:
			pkt, node, err := m.decodePacket(f.bytes)
			if err != nil {
				return err
			}
			d.Packet = pkt
			d.Node = node
		case fromRadioMyInfo:
			return walk(f.bytes, func(f field) error {
				if f.num == myInfoNodeNum {
					d.SelfId = MeshtasticNodeId(uint32(f.u))
				}
				return nil
			})
		case fromRadioNodeInfo:
			node, err := decodeNodeInfo(f.bytes)
			if err != nil {
				return err
			}
			d.Node = node
		}
		return nil
	})
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: meshtastic: %v", ErrMalformed, err)
	}
	return d, nil
}

func (m Meshtastic) decodePacket(b []byte) (*state.DecodedPacket, *state.NodeRecord, error) {
	pkt := &state.DecodedPacket{Type: state.PacketUnknown}
	var hopLimit, hopStart uint64
	var portnum uint64
	var data []byte
	err := walk(b, func(f field) error {
		switch f.num {
		case pktFrom:
			pkt.From = MeshtasticNodeId(uint32(f.u))
		case pktTo:
			pkt.To = MeshtasticNodeId(uint32(f.u))
		case pktChannel:
			pkt.Channel = uint32(f.u)
		case pktId:
			pkt.PacketId = uint32(f.u)
		case pktRxSnr:
			pkt.SNR = f.float32()
		case pktHopLimit:
			hopLimit = f.u
		case pktHopStart:
			hopStart = f.u
		case pktRxRssi:
			pkt.RSSI = f.int32()
		case pktDecoded:
			return walk(f.bytes, func(f field) error {
				switch f.num {
				case dataPortnum:
					portnum = f.u
				case dataPayload:
					data = f.bytes
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if pkt.From == "" {
		return nil, nil, fmt.Errorf("packet without sender")
	}
	if t, ok := mtPorts[portnum]; ok {
		pkt.Type = t
	}
	if hopStart >= hopLimit {
		pkt.HopCount = int(hopStart - hopLimit)
	}
	pkt.Payload = append([]byte(nil), data...)
	if pkt.Type == state.PacketText {
		pkt.Text = string(data)
	}

	var node *state.NodeRecord
	switch pkt.Type {
	case state.PacketNodeInfo:
		node = &state.NodeRecord{NodeId: pkt.From}
		if err := decodeUser(data, node); err != nil {
			return nil, nil, err
		}
	case state.PacketPosition:
		pos, err := decodePosition(data)
		if err != nil {
			return nil, nil, err
		}
		node = &state.NodeRecord{NodeId: pkt.From, Position: pos}
	}
	return pkt, node, nil
}

func decodeNodeInfo(b []byte) (*state.NodeRecord, error) {
	node := &state.NodeRecord{}
	err := walk(b, func(f field) error {
		switch f.num {
		case nodeInfoNum:
			node.NodeId = MeshtasticNodeId(uint32(f.u))
		case nodeInfoUser:
			return decodeUser(f.bytes, node)
		case nodeInfoPosition:
			pos, err := decodePosition(f.bytes)
			if err != nil {
				return err
			}
			node.Position = pos
		case nodeInfoLastHeard:
			if f.u != 0 {
				node.LastSeen = time.Unix(int64(f.u), 0)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if node.NodeId == "" {
		return nil, fmt.Errorf("node info without number")
	}
	return node, nil
}

func decodeUser(b []byte, node *state.NodeRecord) error {
	var short string
	err := walk(b, func(f field) error {
		switch f.num {
		case userLongName:
			node.DisplayName = string(f.bytes)
		case userShortName:
			short = string(f.bytes)
		case userHwModel:
			if hw, ok := mtHardware[f.u]; ok {
				node.HardwareModel = hw
			} else if f.u != 0 {
				node.HardwareModel = fmt.Sprintf("HW_%d", f.u)
			}
		case userPublicKey:
			node.PublicKey = append([]byte(nil), f.bytes...)
		}
		return nil
	})
	if node.DisplayName == "" {
		node.DisplayName = short
	}
	return err
}

func decodePosition(b []byte) (*state.Position, error) {
	var pos state.Position
	var seen bool
	err := walk(b, func(f field) error {
		switch f.num {
		case posLatitude:
			pos.Latitude = float64(f.int32()) / 1e7
			seen = true
		case posLongitude:
			pos.Longitude = float64(f.int32()) / 1e7
			seen = true
		case posAltitude:
			pos.Altitude = f.int32()
		}
		return nil
	})
	if err != nil || !seen {
		return nil, err
	}
	return &pos, nil
}
