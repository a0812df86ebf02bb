package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Beam/internal/domain"
)

type SignalKind string

const (
	SignalOffer   SignalKind = "offer"
	SignalAnswer  SignalKind = "answer"
	SignalICE     SignalKind = "ice"
	SignalProfile SignalKind = "profile"
	SignalRoster  SignalKind = "roster"
	SignalNotice  SignalKind = "notice"
)

// NoticeRoomFull is sent to a viewer the host could not admit.
const NoticeRoomFull = "ROOM_FULL"

// SignalPayload is implemented only by the payload types of this package.
type SignalPayload interface {
	SignalKind() SignalKind
	isSignalPayload()
}

// Description is a session description as exchanged by offer and answer.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Offer struct{ Description }

type Answer struct{ Description }

type ICE struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type Profile struct {
	PeerID domain.PeerID `json:"peerId"`
	Name   string        `json:"name"`
	Role   domain.Role   `json:"role"`
}

type Roster struct {
	Members []domain.Member `json:"members"`
}

type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Offer) SignalKind() SignalKind   { return SignalOffer }
func (Answer) SignalKind() SignalKind  { return SignalAnswer }
func (ICE) SignalKind() SignalKind     { return SignalICE }
func (Profile) SignalKind() SignalKind { return SignalProfile }
func (Roster) SignalKind() SignalKind  { return SignalRoster }
func (Notice) SignalKind() SignalKind  { return SignalNotice }

func (Offer) isSignalPayload()   {}
func (Answer) isSignalPayload()  {}
func (ICE) isSignalPayload()     {}
func (Profile) isSignalPayload() {}
func (Roster) isSignalPayload()  {}
func (Notice) isSignalPayload()  {}

// SignalData is the {kind, payload} body of a signal message. Payload is nil when
// the kind is not one this package knows; receivers ignore such signals.
type SignalData struct {
	Kind    SignalKind
	Payload SignalPayload
}

func NewSignalData(p SignalPayload) *SignalData {
	return &SignalData{Kind: p.SignalKind(), Payload: p}
}

type wireSignal struct {
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (d SignalData) MarshalJSON() ([]byte, error) {
	w := wireSignal{Kind: d.Kind}
	if d.Payload != nil {
		raw, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, err
		}
		w.Kind = d.Payload.SignalKind()
		w.Payload = raw
	}
	return json.Marshal(w)
}

func (d *SignalData) UnmarshalJSON(b []byte) error {
	var w wireSignal
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	d.Kind = w.Kind
	d.Payload = nil

	var p SignalPayload
	var err error
	switch w.Kind {
	case SignalOffer:
		p, err = decodePayload[Offer](w.Payload)
	case SignalAnswer:
		p, err = decodePayload[Answer](w.Payload)
	case SignalICE:
		p, err = decodePayload[ICE](w.Payload)
	case SignalProfile:
		p, err = decodePayload[Profile](w.Payload)
	case SignalRoster:
		p, err = decodePayload[Roster](w.Payload)
	case SignalNotice:
		p, err = decodePayload[Notice](w.Payload)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal %s payload: %w", w.Kind, err)
	}
	d.Payload = p
	return nil
}

func decodePayload[T SignalPayload](raw json.RawMessage) (SignalPayload, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
