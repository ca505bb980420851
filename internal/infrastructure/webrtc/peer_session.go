package webrtc

import (
	"context"
	"fmt"
	"sync"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var _ ports.PeerSession = (*PeerSession)(nil)

type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// PeerSession wraps one pion PeerConnection for a single call.
type PeerSession struct {
	id     string
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	// remoteMu serializes remote description application.
	remoteMu sync.Mutex

	mu           sync.Mutex
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	localBacklog []domain.ICECandidate
	audioSenders []localSender
	muted        bool
	closed       bool

	onLocalCandidate func(domain.ICECandidate)
	onRemoteTrack    func(domain.RemoteTrack)
	onStateChange    func(domain.PeerState)
}

func newPeerSession(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *PeerSession {
	s := &PeerSession{
		id:     uuid.NewString(),
		pc:     pc,
		logger: logger,
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnTrack(s.handleRemoteTrack)
	pc.OnICEConnectionStateChange(s.handleICEConnectionState)
	pc.OnConnectionStateChange(s.handleConnectionState)
	return s
}

func (s *PeerSession) ID() string {
	return s.id
}

func (s *PeerSession) AddLocalTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrAlreadyEnded
	}
	s.mu.Unlock()

	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	if track.Kind() == webrtc.RTPCodecTypeAudio {
		s.mu.Lock()
		s.audioSenders = append(s.audioSenders, localSender{sender: sender, track: track})
		muted := s.muted
		s.mu.Unlock()

		if muted {
			if err := sender.ReplaceTrack(nil); err != nil {
				return fmt.Errorf("failed to mute new audio track: %w", err)
			}
		}
	}

	go s.drainRTCP(sender)
	return nil
}

func (s *PeerSession) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *PeerSession) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *PeerSession) SetRemoteDescription(desc domain.SessionDescription) (bool, error) {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()

	s.mu.Lock()
	if s.remoteSet {
		s.mu.Unlock()
		return false, nil
	}
	if s.closed {
		s.mu.Unlock()
		return false, domain.ErrAlreadyEnded
	}
	s.mu.Unlock()

	var sdpType webrtc.SDPType
	switch desc.Type {
	case "offer":
		sdpType = webrtc.SDPTypeOffer
	case "answer":
		sdpType = webrtc.SDPTypeAnswer
	default:
		return false, fmt.Errorf("unsupported session description type %q", desc.Type)
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return false, fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.Warnw("failed to apply queued remote candidate",
				"session_id", s.id,
				"error", err,
			)
		}
	}

	if len(pending) > 0 {
		s.logger.Debugw("flushed queued remote candidates",
			"session_id", s.id,
			"count", len(pending),
		)
	}
	return true, nil
}

func (s *PeerSession) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

func (s *PeerSession) AddRemoteCandidate(candidate domain.ICECandidate) error {
	if err := validation.ValidateCandidate(candidate); err != nil {
		return err
	}
	init := toCandidateInit(candidate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrAlreadyEnded
	}
	if !s.remoteSet {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add remote candidate: %w", err)
	}
	return nil
}

// OnLocalCandidate registers the candidate sink; candidates gathered before
// registration are replayed to it.
func (s *PeerSession) OnLocalCandidate(fn func(domain.ICECandidate)) {
	s.mu.Lock()
	s.onLocalCandidate = fn
	backlog := s.localBacklog
	s.localBacklog = nil
	s.mu.Unlock()

	for _, candidate := range backlog {
		fn(candidate)
	}
}

func (s *PeerSession) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemoteTrack = fn
}

func (s *PeerSession) OnConnectionStateChange(fn func(domain.PeerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// SetMuted swaps the outgoing audio for silence by detaching the track from
// its sender. It is a no-op on a closed session.
func (s *PeerSession) SetMuted(muted bool) error {
	s.mu.Lock()
	if s.closed || s.muted == muted {
		s.mu.Unlock()
		return nil
	}
	s.muted = muted
	senders := make([]localSender, len(s.audioSenders))
	copy(senders, s.audioSenders)
	s.mu.Unlock()

	for _, ls := range senders {
		var track webrtc.TrackLocal
		if !muted {
			track = ls.track
		}
		if err := ls.sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("failed to toggle mute: %w", err)
		}
	}
	return nil
}

func (s *PeerSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Close is idempotent.
func (s *PeerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.localBacklog = nil
	s.onLocalCandidate = nil
	s.onRemoteTrack = nil
	s.onStateChange = nil
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

func (s *PeerSession) handleLocalCandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil {
		return
	}
	candidate := fromCandidateInit(c.ToJSON())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn := s.onLocalCandidate
	if fn == nil {
		s.localBacklog = append(s.localBacklog, candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	fn(candidate)
}

func (s *PeerSession) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.logger.Infow("remote track started",
		"session_id", s.id,
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	s.mu.Lock()
	fn := s.onRemoteTrack
	s.mu.Unlock()

	if fn != nil {
		fn(domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    track.Codec().MimeType,
		})
	}

	go s.drainTrack(track)
}

func (s *PeerSession) handleICEConnectionState(state webrtc.ICEConnectionState) {
	s.logger.Infow("peer ICE connection state changed",
		"session_id", s.id,
		"state", state.String(),
	)
}

func (s *PeerSession) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Infow("peer connection state changed",
		"session_id", s.id,
		"state", state.String(),
	)

	s.mu.Lock()
	fn := s.onStateChange
	s.mu.Unlock()

	if fn != nil {
		fn(domain.PeerState(state.String()))
	}
}

// drainTrack keeps the receive buffer moving until the track ends.
func (s *PeerSession) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (s *PeerSession) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func toCandidateInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(init webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}
