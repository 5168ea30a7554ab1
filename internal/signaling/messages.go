package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/presence"
)

type messageType string

// Client -> server.
const (
	messageTypeJoinRoom     messageType = "join-room"
	messageTypeListRooms    messageType = "list-rooms"
	messageTypeLeaveRoom    messageType = "leave-room"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice-candidate"
	messageTypeMuteStatus   messageType = "mute-status"
)

// Server -> client.
const (
	messageTypeTURNCredentials messageType = "turn-credentials"
	messageTypeRoomPeers       messageType = "room-peers"
	messageTypePeerJoined      messageType = "peer-joined"
	messageTypePeerLeft        messageType = "peer-left"
	messageTypePeerMuteStatus  messageType = "peer-mute-status"
	messageTypeRoomList        messageType = "room-list"
	messageTypeRoomListUpdate  messageType = "room-list-update"
	messageTypeError           messageType = "error"
)

const (
	maxIDBytes          = 256
	maxDisplayNameBytes = 256
)

// inboundMessage is the flat wire form of every client event. Keys that an
// event does not use are ignored.
//
// Relay events carry their opaque body in `payload`. The field names used by
// socket.io clients (`offer`, `answer`, `candidate`) are accepted as aliases.
type inboundMessage struct {
	Type messageType `json:"type"`

	RoomID      string `json:"roomId,omitempty"`
	PeerID      string `json:"peerId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	IsMuted *bool `json:"isMuted,omitempty"`
}

func parseInboundMessage(data []byte) (inboundMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg inboundMessage
	if err := dec.Decode(&msg); err != nil {
		return inboundMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return inboundMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return inboundMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// body returns the relayed payload, resolving the socket.io aliases. An
// explicit `payload` wins over an alias.
func (m inboundMessage) body() json.RawMessage {
	switch {
	case len(m.Payload) > 0:
		return m.Payload
	case m.Type == messageTypeOffer:
		return m.Offer
	case m.Type == messageTypeAnswer:
		return m.Answer
	case m.Type == messageTypeICECandidate:
		return m.Candidate
	default:
		return nil
	}
}

func (m inboundMessage) validate() error {
	switch m.Type {
	case messageTypeJoinRoom:
		if err := validateID("roomId", m.RoomID); err != nil {
			return err
		}
		if err := validateID("peerId", m.PeerID); err != nil {
			return err
		}
		if len(m.DisplayName) > maxDisplayNameBytes || !utf8.ValidString(m.DisplayName) {
			return fmt.Errorf("join-room displayName is invalid")
		}
	case messageTypeListRooms, messageTypeLeaveRoom:
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		if err := validateID("to", m.To); err != nil {
			return err
		}
		if len(m.From) > maxIDBytes {
			return fmt.Errorf("%s from is too long", m.Type)
		}
		if len(m.body()) == 0 {
			return fmt.Errorf("%s message has no payload", m.Type)
		}
	case messageTypeMuteStatus:
		if m.IsMuted == nil {
			return fmt.Errorf("mute-status message missing isMuted")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func validateID(field, v string) error {
	if v == "" {
		return fmt.Errorf("missing %s", field)
	}
	if len(v) > maxIDBytes {
		return fmt.Errorf("%s is too long", field)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%s is not valid UTF-8", field)
	}
	return nil
}


type turnCredentialsMessage struct {
	Type     messageType `json:"type"`
	Username string      `json:"username"`
	Secret   string      `json:"secret"`
	TTL      int64       `json:"ttl"`
	URLs     []string    `json:"urls,omitempty"`
}

type roomPeersMessage struct {
	Type   messageType     `json:"type"`
	RoomID string          `json:"roomId"`
	Peers  []presence.Peer `json:"peers"`
}

type peerJoinedMessage struct {
	Type        messageType `json:"type"`
	PeerID      string      `json:"peerId"`
	DisplayName string      `json:"displayName"`
}

type peerLeftMessage struct {
	Type   messageType `json:"type"`
	PeerID string      `json:"peerId"`
}

type peerMuteStatusMessage struct {
	Type    messageType `json:"type"`
	PeerID  string      `json:"peerId"`
	IsMuted bool        `json:"isMuted"`
}

type roomListMessage struct {
	Type  messageType     `json:"type"`
	Rooms []presence.Room `json:"rooms"`
}

// relayMessage carries the body in `payload` and again under the socket.io
// key for its type, so receivers of either convention find it.
type relayMessage struct {
	Type        messageType     `json:"type"`
	From        string          `json:"from"`
	DisplayName string          `json:"displayName,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Offer       json.RawMessage `json:"offer,omitempty"`
	Answer      json.RawMessage `json:"answer,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

func newRelayMessage(kind messageType, from string, payload json.RawMessage) relayMessage {
	msg := relayMessage{Type: kind, From: from, Payload: payload}
	switch kind {
	case messageTypeOffer:
		msg.Offer = payload
	case messageTypeAnswer:
		msg.Answer = payload
	case messageTypeICECandidate:
		msg.Candidate = payload
	}
	return msg
}

type errorMessage struct {
	Type    messageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}
