package domain

type DescriptionKind string

const (
	DescriptionOffer  DescriptionKind = "offer"
	DescriptionAnswer DescriptionKind = "answer"
)

type Description struct {
	Kind DescriptionKind `json:"type"`
	SDP  string          `json:"sdp"`
}

type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int32  `json:"sdpMLineIndex"`
	Origin        Role   `json:"origin,omitempty"`
}

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	// SignalGone is terminal: the remote session or connection no longer exists.
	SignalGone SignalKind = "gone"
)

// Signal is a single message exchanged over a transport.
type Signal struct {
	Kind        SignalKind
	Description *Description
	Candidate   *Candidate
}

func OfferSignal(sdp string) Signal {
	return Signal{Kind: SignalOffer, Description: &Description{Kind: DescriptionOffer, SDP: sdp}}
}

func AnswerSignal(sdp string) Signal {
	return Signal{Kind: SignalAnswer, Description: &Description{Kind: DescriptionAnswer, SDP: sdp}}
}

func DescriptionSignal(d Description) Signal {
	if d.Kind == DescriptionOffer {
		return OfferSignal(d.SDP)
	}
	return AnswerSignal(d.SDP)
}

func CandidateSignal(c Candidate) Signal {
	return Signal{Kind: SignalCandidate, Candidate: &c}
}

func GoneSignal() Signal {
	return Signal{Kind: SignalGone}
}

// Validate rejects signals whose payload does not match their kind.
func (s Signal) Validate() error {
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		if s.Description == nil || s.Description.SDP == "" {
			return ErrMalformedMessage
		}
		if string(s.Description.Kind) != string(s.Kind) {
			return ErrMalformedMessage
		}
	case SignalCandidate:
		if s.Candidate == nil || s.Candidate.Candidate == "" || !s.Candidate.Origin.Valid() {
			return ErrMalformedMessage
		}
	case SignalGone:
	default:
		return ErrMalformedMessage
	}
	return nil
}

type Topic string

const (
	TopicDescription      Topic = "description"
	TopicCallerCandidates Topic = "candidates/caller"
	TopicCalleeCandidates Topic = "candidates/callee"
)

// CandidateTopic is the sub-channel carrying candidates emitted by origin.
func CandidateTopic(origin Role) Topic {
	if origin == RoleCaller {
		return TopicCallerCandidates
	}
	return TopicCalleeCandidates
}
