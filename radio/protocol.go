// Package radio implements the two supported mesh radio protocols behind one Protocol capability.
//
// Only the fields the bridge routes on are decoded; everything else stays opaque in
// DecodedPacket.Payload.
package radio

import (
	"errors"
	"fmt"

	"github.com/encodeous/meshbridge/state"
)

var ErrMalformed = errors.New("malformed frame")

// Decoded is the result of decoding one frame. Control frames carry no Packet.
type Decoded struct {
	Packet *state.DecodedPacket
	// Node is a catalog update learned from this frame.
	Node *state.NodeRecord
	// SelfId is set when the frame announces the identity of the local radio.
	SelfId state.NodeId
	// Reply holds payloads the protocol wants written back to the radio.
	Reply [][]byte
}

type Protocol interface {
	Name() state.Protocol
	// Split is a bufio.SplitFunc that extracts frame payloads from the byte stream.
	Split(data []byte, atEOF bool) (advance int, token []byte, err error)
	// Frame wraps a payload for transmission to the radio.
	Frame(payload []byte) []byte
	// Handshake returns the payloads written after every (re)connect.
	Handshake() [][]byte
	// CatalogRequest returns a payload asking the radio to dump its node catalog, or nil.
	CatalogRequest() []byte
	// BroadcastSentinel is the destination this protocol uses for broadcasts.
	BroadcastSentinel() state.NodeId
	LearnedVia() state.LearnedVia
	Decode(payload []byte) (Decoded, error)
}

func New(p state.Protocol) (Protocol, error) {
	switch p {
	case state.ProtoMeshtastic:
		return Meshtastic{}, nil
	case state.ProtoMeshCore:
		return MeshCore{}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", p)
	}
}
