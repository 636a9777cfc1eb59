// Package relay implements the signaling backend that talks to a relay
// server over a websocket. The relay pairs two connections and forwards
// their messages verbatim.
package relay

import (
	"encoding/json"
	"fmt"

	"talkpair/internal/core/domain"
)

// Message types on the wire.
const (
	TypeJoin      = "join"
	TypeMatched   = "matched"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeICE       = "ice"
	TypeLeave     = "leave"
	TypeEnd       = "end"
)

// Message is one JSON text frame.
type Message struct {
	Type      string            `json:"type"`
	Role      string            `json:"role,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	SDP       string            `json:"sdp,omitempty"`
	Candidate *CandidatePayload `json:"candidate,omitempty"`
}

type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int32  `json:"sdpMLineIndex"`
}

// IsForwarded reports whether the relay passes the message type to the partner.
func IsForwarded(messageType string) bool {
	switch messageType {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeICE:
		return true
	}
	return false
}

// IsHangup reports whether the message type ends the pairing.
func IsHangup(messageType string) bool {
	return messageType == TypeLeave || messageType == TypeEnd
}

// ParseType decodes only the type field of a frame.
func ParseType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("%w: missing type", domain.ErrMalformedMessage)
	}
	return envelope.Type, nil
}

// EncodeSignal maps a signal to its wire message. Candidate origin is not
// sent; the receiver knows it is its partner's.
func EncodeSignal(signal domain.Signal) (Message, error) {
	if err := signal.Validate(); err != nil {
		return Message{}, err
	}

	switch signal.Kind {
	case domain.SignalOffer:
		return Message{Type: TypeOffer, SDP: signal.Description.SDP}, nil
	case domain.SignalAnswer:
		return Message{Type: TypeAnswer, SDP: signal.Description.SDP}, nil
	case domain.SignalCandidate:
		c := signal.Candidate
		return Message{Type: TypeCandidate, Candidate: &CandidatePayload{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		}}, nil
	default:
		return Message{Type: TypeLeave}, nil
	}
}

// DecodeSignal maps a forwarded message to a signal. partner is stamped as
// the origin of candidates.
func DecodeSignal(msg Message, partner domain.Role) (domain.Signal, error) {
	var signal domain.Signal
	switch msg.Type {
	case TypeOffer:
		signal = domain.OfferSignal(msg.SDP)
	case TypeAnswer:
		signal = domain.AnswerSignal(msg.SDP)
	case TypeCandidate, TypeICE:
		if msg.Candidate == nil {
			return domain.Signal{}, domain.ErrMalformedMessage
		}
		signal = domain.CandidateSignal(domain.Candidate{
			Candidate:     msg.Candidate.Candidate,
			SDPMid:        msg.Candidate.SDPMid,
			SDPMLineIndex: msg.Candidate.SDPMLineIndex,
			Origin:        partner,
		})
	case TypeLeave, TypeEnd:
		signal = domain.GoneSignal()
	default:
		return domain.Signal{}, fmt.Errorf("%w: unexpected type %q", domain.ErrMalformedMessage, msg.Type)
	}

	if err := signal.Validate(); err != nil {
		return domain.Signal{}, err
	}
	return signal, nil
}
