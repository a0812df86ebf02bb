// Package protocol defines the relay wire format: session messages and the signal
// envelope that endpoints exchange through the relay.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Beam/internal/domain"
)

type Kind string

const (
	KindJoin       Kind = "join"
	KindWelcome    Kind = "welcome"
	KindJoined     Kind = "joined"
	KindPeerJoined Kind = "peer-joined"
	KindPeerLeft   Kind = "peer-left"
	KindSignal     Kind = "signal"
	KindError      Kind = "error"
)

// Error codes carried by error messages.
const (
	CodeInvalidJSON = "INVALID_JSON"
	CodeBadJSON     = "BAD_JSON"
	CodeBadMessage  = "BAD_MESSAGE"
	CodeNotInRoom   = "NOT_IN_ROOM"
	CodeUnknownPeer = "UNKNOWN_PEER"
	CodeHostExists  = "HOST_EXISTS"
	CodeRateLimited = "RATE_LIMITED"
)

var ErrMissingKind = errors.New("message has no string kind")

type PeerInfo struct {
	PeerID domain.PeerID `json:"peerId"`
	Role   domain.Role   `json:"role"`
}

// Message is one session message. Which fields are set depends on Kind.
type Message struct {
	Kind Kind `json:"kind"`

	RoomID domain.RoomID `json:"roomId,omitempty"`
	Role   domain.Role   `json:"role,omitempty"`
	Name   string        `json:"name,omitempty"`

	PeerID domain.PeerID `json:"peerId,omitempty"`
	HostID domain.PeerID `json:"hostId,omitempty"`
	Peers  []PeerInfo    `json:"peers,omitempty"`

	To   domain.PeerID `json:"to,omitempty"`
	From domain.PeerID `json:"from,omitempty"`
	Data *SignalData   `json:"data,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Decode parses one frame. A frame that is valid JSON but lacks a string kind
// returns ErrMissingKind; a frame that is not JSON returns the json error.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Kind json.RawMessage `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{}, err
	}
	var kind string
	if len(probe.Kind) == 0 || json.Unmarshal(probe.Kind, &kind) != nil || kind == "" {
		return Message{}, ErrMissingKind
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func Join(room domain.RoomID, role domain.Role, name string) Message {
	return Message{Kind: KindJoin, RoomID: room, Role: role, Name: name}
}

func Welcome(id domain.PeerID) Message {
	return Message{Kind: KindWelcome, PeerID: id}
}

func Joined(host domain.PeerID, peers []PeerInfo) Message {
	return Message{Kind: KindJoined, HostID: host, Peers: peers}
}

func PeerJoined(id domain.PeerID, role domain.Role) Message {
	return Message{Kind: KindPeerJoined, PeerID: id, Role: role}
}

func PeerLeft(id domain.PeerID) Message {
	return Message{Kind: KindPeerLeft, PeerID: id}
}

// Signal addresses a payload to one peer; the relay rewrites To into From.
func Signal(to domain.PeerID, p SignalPayload) Message {
	return Message{Kind: KindSignal, To: to, Data: NewSignalData(p)}
}

func Error(code, message string) Message {
	return Message{Kind: KindError, Code: code, Message: message}
}
