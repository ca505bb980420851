package webrtc

import (
	"context"
	"fmt"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	STUNServerPrimary   = "stun:stun1.l.google.com:19302"
	STUNServerSecondary = "stun:stun2.l.google.com:19302"

	ICECandidatePoolSize = 10
)

var _ ports.MediaSessionManager = (*SessionManager)(nil)

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{STUNServerPrimary, STUNServerSecondary}},
	}
}

// CodecRegistrar registers the codecs local capture can encode with.
type CodecRegistrar interface {
	Populate(m *webrtc.MediaEngine)
}

type Option func(*SessionManager)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

func WithCodecs(codecs CodecRegistrar) Option {
	return func(m *SessionManager) {
		m.codecs = codecs
	}
}

func WithPortRange(min, max uint16) Option {
	return func(m *SessionManager) {
		m.portMin = min
		m.portMax = max
	}
}

// WithICEServers replaces the STUN list. An empty list restricts gathering to
// host candidates, which is what loopback tests use.
func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(m *SessionManager) {
		m.iceServers = servers
	}
}

// SessionManager builds peer sessions and hands out local media.
type SessionManager struct {
	devices    ports.MediaDevices
	iceServers []webrtc.ICEServer
	codecs     CodecRegistrar
	portMin    uint16
	portMax    uint16

	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewSessionManager(devices ports.MediaDevices, opts ...Option) (*SessionManager, error) {
	m := &SessionManager{
		devices:    devices,
		iceServers: DefaultICEServers(),
		logger:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if m.codecs != nil {
		m.codecs.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if m.portMin > 0 && m.portMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(m.portMin, m.portMax); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	m.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return m, nil
}

func (m *SessionManager) AcquireLocalMedia(ctx context.Context, wantVideo bool) (ports.LocalMedia, error) {
	if m.devices == nil {
		return nil, domain.ErrDeviceUnavailable
	}
	return m.devices.Acquire(ctx, wantVideo)
}

func (m *SessionManager) CreatePeerConnection() (ports.PeerSession, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           m.iceServers,
		ICECandidatePoolSize: ICECandidatePoolSize,
		SDPSemantics:         webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	session := newPeerSession(pc, m.logger)
	m.logger.Debugw("peer connection created", "session_id", session.ID())
	return session, nil
}

func (m *SessionManager) AttachLocalTracks(session ports.PeerSession, media ports.LocalMedia) error {
	if session == nil || media == nil {
		return nil
	}
	for _, track := range media.Tracks() {
		if err := session.AddLocalTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (m *SessionManager) Close(session ports.PeerSession) error {
	if session == nil {
		return nil
	}
	return session.Close()
}

func (m *SessionManager) StopLocalMedia(media ports.LocalMedia) error {
	if media == nil {
		return nil
	}
	return media.Stop()
}
