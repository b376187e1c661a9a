// Package pion provides local capture backed by pion WebRTC tracks. Frames
// written to a stream are packetised by pion and can be added to any
// PeerConnection the platform adapter owns.
package pion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

var ErrStreamDisposed = errors.New("local video stream disposed")

type Config struct {
	// VideoCodec is a pion mime type such as "video/VP8".
	VideoCodec string
	// Cameras are the device names to expose, in preference order.
	Cameras []string
	// DenyCapture makes every permission probe fail.
	DenyCapture bool
}

func codecFor(mime string) (webrtc.RTPCodecCapability, error) {
	switch {
	case mime == "":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case strings.EqualFold(mime, webrtc.MimeTypeVP8),
		strings.EqualFold(mime, webrtc.MimeTypeVP9),
		strings.EqualFold(mime, webrtc.MimeTypeH264):
		return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported video codec %q", mime)
	}
}

// DeviceManager enumerates the configured cameras and opens a sample track
// per stream.
type DeviceManager struct {
	codec   webrtc.RTPCodecCapability
	cameras []ports.Camera
}

func NewDeviceManager(cfg Config) (*DeviceManager, error) {
	codec, err := codecFor(cfg.VideoCodec)
	if err != nil {
		return nil, err
	}
	cams := make([]ports.Camera, 0, len(cfg.Cameras))
	for i, name := range cfg.Cameras {
		cams = append(cams, ports.Camera{ID: fmt.Sprintf("cam-%d", i), Name: name})
	}
	return &DeviceManager{codec: codec, cameras: cams}, nil
}

func (d *DeviceManager) Cameras(ctx context.Context) ([]ports.Camera, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]ports.Camera(nil), d.cameras...), nil
}

func (d *DeviceManager) CreateLocalVideoStream(ctx context.Context, cam ports.Camera) (ports.LocalVideoStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	known := false
	for _, c := range d.cameras {
		if c.ID == cam.ID {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("camera %q: %w", cam.ID, domain.ErrNoCamera)
	}

	id := "video-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(d.codec, id, "callsession-"+cam.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	return &LocalVideoStream{track: track, camera: cam}, nil
}

// LocalVideoStream is a camera feed exposed as a pion sample track.
type LocalVideoStream struct {
	track  *webrtc.TrackLocalStaticSample
	camera ports.Camera

	mu       sync.Mutex
	disposed bool
}

func (s *LocalVideoStream) StreamID() domain.StreamID { return domain.StreamID(s.track.ID()) }
func (s *LocalVideoStream) Camera() ports.Camera      { return s.camera }

// Track is what a transport adds to its PeerConnection.
func (s *LocalVideoStream) Track() webrtc.TrackLocal { return s.track }

// WriteFrame pushes one encoded frame to every bound transport.
func (s *LocalVideoStream) WriteFrame(frame []byte, d time.Duration) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return ErrStreamDisposed
	}
	return s.track.WriteSample(media.Sample{Data: frame, Duration: d})
}

func (s *LocalVideoStream) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	return nil
}

func (s *LocalVideoStream) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// CapturePermissions opens throwaway tracks to prove capture is possible.
type CapturePermissions struct {
	codec webrtc.RTPCodecCapability
	deny  bool
}

func NewCapturePermissions(cfg Config) (*CapturePermissions, error) {
	codec, err := codecFor(cfg.VideoCodec)
	if err != nil {
		return nil, err
	}
	return &CapturePermissions{codec: codec, deny: cfg.DenyCapture}, nil
}

func (p *CapturePermissions) Request(ctx context.Context, audio, video bool) (ports.ProbeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.deny {
		return nil, domain.ErrPermissionDenied
	}
	probe := &probe{}
	if audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "probe-audio", "probe")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		probe.tracks = append(probe.tracks, t)
	}
	if video {
		t, err := webrtc.NewTrackLocalStaticSample(p.codec, "probe-video", "probe")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		probe.tracks = append(probe.tracks, t)
	}
	return probe, nil
}

type probe struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackLocalStaticSample
}

func (p *probe) Stop() {
	p.mu.Lock()
	p.tracks = nil
	p.mu.Unlock()
}

var (
	_ ports.DeviceManager      = (*DeviceManager)(nil)
	_ ports.LocalVideoStream   = (*LocalVideoStream)(nil)
	_ ports.CapturePermissions = (*CapturePermissions)(nil)
)
