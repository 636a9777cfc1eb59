package webrtc

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
)

// EngineConfig WebRTC configuration for a voice call
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// IncludeLoopback gathers 127.0.0.1 candidates, for peers on one host.
	IncludeLoopback bool
}

// Engine is a single audio-only peer connection.
type Engine struct {
	pc     *webrtc.PeerConnection
	audio  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	logger *zap.SugaredLogger

	mu             sync.RWMutex
	onCandidate    func(domain.Candidate)
	onConnectivity func(domain.ConnectivitySignal)
}

func NewEngine(cfg EngineConfig, logger *zap.SugaredLogger) (*Engine, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"talkpair-audio",
	)
	if err != nil {
		pc.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(audio)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}

	e := &Engine{pc: pc, audio: audio, sender: sender, logger: logger}

	pc.OnICECandidate(e.handleICECandidate)
	pc.OnICEConnectionStateChange(e.handleICEConnectionState)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.logger.Infow("remote audio track started",
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
	})

	return e, nil
}

func (e *Engine) CreateOffer(ctx context.Context) (domain.Description, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return domain.Description{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return domain.Description{Kind: domain.DescriptionOffer, SDP: offer.SDP}, nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.Description, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return domain.Description{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return domain.Description{Kind: domain.DescriptionAnswer, SDP: answer.SDP}, nil
}

func (e *Engine) ApplyRemoteDescription(ctx context.Context, desc domain.Description) error {
	var sdpType webrtc.SDPType
	switch desc.Kind {
	case domain.DescriptionOffer:
		sdpType = webrtc.SDPTypeOffer
	case domain.DescriptionAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: description kind %q", domain.ErrMalformedMessage, desc.Kind)
	}

	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Kind, err)
	}
	return nil
}

func (e *Engine) ApplyRemoteCandidate(ctx context.Context, candidate domain.Candidate) error {
	if candidate.SDPMLineIndex < 0 || candidate.SDPMLineIndex > math.MaxUint16 {
		return fmt.Errorf("%w: sdp m-line index %d out of range", domain.ErrMalformedMessage, candidate.SDPMLineIndex)
	}
	mid := candidate.SDPMid
	index := uint16(candidate.SDPMLineIndex)
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (e *Engine) OnLocalCandidate(handler func(domain.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = handler
}

func (e *Engine) OnConnectivityChange(handler func(domain.ConnectivitySignal)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnectivity = handler
}

// SetMuted detaches the local audio track from its sender, or puts it back.
// The transceiver stays negotiated, so no new offer is needed.
func (e *Engine) SetMuted(muted bool) error {
	var track webrtc.TrackLocal
	if !muted {
		track = e.audio
	}
	if err := e.sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to replace audio track: %w", err)
	}
	e.logger.Debugw("local audio muted", "muted", muted)
	return nil
}

func (e *Engine) Close() error {
	return e.pc.Close()
}

func (e *Engine) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil {
		return
	}

	init := c.ToJSON()
	candidate := domain.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		candidate.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = int32(*init.SDPMLineIndex)
	}

	e.mu.RLock()
	handler := e.onCandidate
	e.mu.RUnlock()
	if handler != nil {
		handler(candidate)
	}
}

func (e *Engine) handleICEConnectionState(state webrtc.ICEConnectionState) {
	e.logger.Debugw("ICE connection state changed", "ice_state", state.String())

	e.mu.RLock()
	handler := e.onConnectivity
	e.mu.RUnlock()
	if handler != nil {
		handler(domain.ConnectivitySignal(state.String()))
	}
}

// EngineFactory creates a fresh Engine for every call.
type EngineFactory struct {
	config EngineConfig
	logger *zap.SugaredLogger
}

func NewEngineFactory(config EngineConfig, logger *zap.SugaredLogger) *EngineFactory {
	return &EngineFactory{config: config, logger: logger}
}

func (f *EngineFactory) NewEngine(ctx context.Context) (ports.MediaEngine, error) {
	return NewEngine(f.config, f.logger)
}
