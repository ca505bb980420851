// Package media captures local audio and video with pion/mediadevices.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/driver/availability"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	// registers camera and microphone drivers
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

var _ ports.MediaDevices = (*Devices)(nil)

type Config struct {
	Width        int
	Height       int
	FrameRate    float64
	VideoBitrate int
	AudioBitrate int
}

func DefaultConfig() Config {
	return Config{
		Width:        640,
		Height:       480,
		FrameRate:    30,
		VideoBitrate: 800_000,
		AudioBitrate: 32_000,
	}
}

// frontCameraHints are label fragments used by platform drivers for the user-facing camera.
var frontCameraHints = []string{"front", "user", "facetime", "integrated"}

type Devices struct {
	cfg    Config
	codecs *mediadevices.CodecSelector
	logger *zap.SugaredLogger
}

func NewDevices(cfg Config, logger *zap.SugaredLogger) (*Devices, error) {
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to init vp8 params: %w", err)
	}
	vp8Params.BitRate = cfg.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to init opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitrate

	return &Devices{
		cfg: cfg,
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vp8Params),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// Codecs is passed to the peer session manager so negotiated codecs match the encoders.
func (d *Devices) Codecs() *mediadevices.CodecSelector {
	return d.codecs
}

func (d *Devices) Acquire(ctx context.Context, wantVideo bool) (ports.LocalMedia, error) {
	audio, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.codecs,
	})
	if err != nil {
		return nil, classify(err)
	}

	media := &localMedia{}
	for _, track := range audio.GetTracks() {
		media.add(track)
	}

	if !wantVideo {
		return media, nil
	}

	if err := ctx.Err(); err != nil {
		_ = media.Stop()
		return nil, err
	}

	video, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: d.videoConstraints(frontCameraID()),
		Codec: d.codecs,
	})
	if err != nil {
		d.logger.Warnw("video capture unavailable, continuing with audio only",
			"error", err,
		)
		media.degraded = true
		return media, nil
	}

	for _, track := range video.GetTracks() {
		media.add(track)
	}
	return media, nil
}

func (d *Devices) videoConstraints(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.StringExact(deviceID)
		}
		c.Width = prop.IntRanged{Min: 0, Ideal: d.cfg.Width, Max: 1920}
		c.Height = prop.IntRanged{Min: 0, Ideal: d.cfg.Height, Max: 1080}
		c.FrameRate = prop.FloatRanged{Min: 0, Ideal: d.cfg.FrameRate, Max: 60}
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatI420,
			frame.FormatYUY2,
			frame.FormatNV12,
			frame.FormatMJPEG,
		}
	}
}

// frontCameraID returns the id of a user-facing camera, or "" to let the
// driver pick its default.
func frontCameraID() string {
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		label := strings.ToLower(info.Label)
		for _, hint := range frontCameraHints {
			if strings.Contains(label, hint) {
				return info.DeviceID
			}
		}
	}
	return ""
}

func classify(err error) error {
	if errors.Is(err, availability.ErrNoDevice) {
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed") {
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
}

type localMedia struct {
	tracks   []mediadevices.Track
	hasVideo bool
	degraded bool
}

func (m *localMedia) add(track mediadevices.Track) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		m.hasVideo = true
	}
	m.tracks = append(m.tracks, track)
}

func (m *localMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, track := range m.tracks {
		out = append(out, track)
	}
	return out
}

func (m *localMedia) HasVideo() bool { return m.hasVideo }

func (m *localMedia) Degraded() bool { return m.degraded }

func (m *localMedia) Stop() error {
	var err error
	for _, track := range m.tracks {
		err = multierr.Append(err, track.Close())
	}
	m.tracks = nil
	return err
}
